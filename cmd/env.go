package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/jobs"
	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/resilience"
	"github.com/sells-group/crm-notes/internal/store"
	anthropicpkg "github.com/sells-group/crm-notes/pkg/anthropic"
	"github.com/sells-group/crm-notes/pkg/assistant"
	"github.com/sells-group/crm-notes/pkg/hubspot"
	"github.com/sells-group/crm-notes/pkg/trello"
)

// serviceEnv holds the artifact store and the service built on it.
type serviceEnv struct {
	Store   store.Store
	Service *pipeline.Service
}

// Close releases the artifact store.
func (e *serviceEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured artifact store.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Jobs.ArtifactDriver, cfg.Jobs.OutputDir, cfg.Jobs.DatabaseURL)
}

func newHubSpotReader() *hubspot.Reader {
	h := cfg.HubSpot
	return hubspot.NewReader(h.Token,
		hubspot.WithBaseURL(h.BaseURL),
		hubspot.WithHTTPClient(&http.Client{Timeout: time.Duration(h.TimeoutSecs) * time.Second}),
		hubspot.WithRateLimit(h.ReadRatePerSec, h.ReadBurst),
		hubspot.WithRetry(h.MaxAttempts, resilience.Seconds(h.BackoffSecs), resilience.Seconds(h.MaxBackoff)),
		hubspot.WithPageLimit(h.PageLimit),
		hubspot.WithBatchSize(h.BatchSize),
	)
}

// newHubSpotWriter returns nil when the association type ids are not set;
// write-back then reports a configuration error.
func newHubSpotWriter() pipeline.NoteWriter {
	h := cfg.HubSpot
	w, err := hubspot.NewWriter(h.Token, h.NoteToContactTypeID, h.NoteToDealTypeID,
		hubspot.WithBaseURL(h.BaseURL),
		hubspot.WithHTTPClient(&http.Client{Timeout: time.Duration(h.TimeoutSecs) * time.Second}),
		hubspot.WithRateLimit(h.WriteRatePerSec, h.WriteBurst),
		hubspot.WithRetry(h.MaxAttempts, resilience.Seconds(h.BackoffSecs), resilience.Seconds(h.MaxBackoff)),
	)
	if err != nil {
		zap.L().Warn("hubspot write-back disabled", zap.Error(err))
		return nil
	}
	return w
}

func newSummarizer() *assistant.Summarizer {
	a := cfg.Assistant
	client := assistant.NewClient(a.Key,
		assistant.WithBaseURL(a.BaseURL),
		assistant.WithHTTPClient(&http.Client{Timeout: time.Duration(a.TimeoutSecs) * time.Second}),
		assistant.WithRateLimit(a.RatePerSec, a.Burst),
	)
	s := assistant.NewSummarizer(client, a.AssistantID)
	s.PollInterval = resilience.Seconds(a.PollIntervalSecs)
	s.MaxPoll = time.Duration(a.MaxPollSecs) * time.Second
	if a.MaxAttempts > 0 {
		s.Retry.MaxAttempts = a.MaxAttempts
	}
	return s
}

func newRenderer() *pipeline.Renderer {
	a := cfg.Anthropic
	r := pipeline.NewRenderer(anthropicpkg.NewClient(a.Key), a.RenderModel)
	r.MaxTokens = a.MaxTokens
	r.Temperature = a.Temperature
	if ttl, err := anthropicpkg.ParseCacheTTL(a.CacheTTL); err != nil {
		zap.L().Warn("prompt cache disabled", zap.Error(err))
		r.Cache = anthropicpkg.NoCache
	} else {
		r.Cache = ttl
	}
	if a.MaxAttempts > 0 {
		r.Retry.MaxAttempts = a.MaxAttempts
	}
	return r
}

// initService validates the component's settings, opens the store and
// wires every adapter. Callers should defer env.Close().
func initService(ctx context.Context, component string) (*serviceEnv, error) {
	if err := cfg.Validate(component); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	t := cfg.Trello
	boards := trello.NewClient(t.Key, t.Token,
		trello.WithBaseURL(t.BaseURL),
		trello.WithHTTPClient(&http.Client{Timeout: time.Duration(t.TimeoutSecs) * time.Second}),
		trello.WithRateLimit(t.RatePerSec, t.Burst),
		trello.WithRetry(t.MaxAttempts, resilience.Seconds(t.BackoffSecs), resilience.Seconds(t.MaxBackoff)),
	)

	svc := &pipeline.Service{
		Jobs:        jobs.NewStore(jobs.WithIdle(time.Duration(cfg.Jobs.EventIdleSecs) * time.Second)),
		Artifacts:   st,
		LockDir:     cfg.Jobs.OutputDir,
		Boards:      boards,
		CRM:         newHubSpotReader(),
		Summarizer:  newSummarizer(),
		Renderer:    newRenderer(),
		Writer:      newHubSpotWriter(),
		Instruction: cfg.Assistant.Instruction,
	}

	zap.L().Info("service ready",
		zap.String("artifact_driver", cfg.Jobs.ArtifactDriver),
		zap.String("render_model", cfg.Anthropic.RenderModel),
		zap.Bool("writeback", svc.Writer != nil),
	)
	return &serviceEnv{Store: st, Service: svc}, nil
}
