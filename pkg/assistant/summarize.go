package assistant

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/resilience"
)

// API is the subset of Client used by the Summarizer.
type API interface {
	CreateThread(ctx context.Context) (*Thread, error)
	AddMessage(ctx context.Context, threadID, content string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

// Summarizer submits context to an assistant and waits for its reply.
type Summarizer struct {
	API          API
	AssistantID  string
	PollInterval time.Duration
	MaxPoll      time.Duration
	Retry        resilience.RetryConfig

	// Sleep and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewSummarizer returns a Summarizer with a 1s poll interval, a 120s poll
// ceiling and four attempts.
func NewSummarizer(api API, assistantID string) *Summarizer {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 4
	return &Summarizer{
		API:          api,
		AssistantID:  assistantID,
		PollInterval: time.Second,
		MaxPoll:      120 * time.Second,
		Retry:        retry,
	}
}

// Summarize sends text, prefixed by instruction when non-empty, on a fresh
// thread and returns the newest assistant text. The whole sequence is
// retried; threads from failed attempts are left behind.
func (s *Summarizer) Summarize(ctx context.Context, text, instruction string) (string, error) {
	content := strings.TrimSpace(text)
	if instr := strings.TrimSpace(instruction); instr != "" {
		content = instr + "\n\n" + content
	}

	retry := s.Retry
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("assistant: summarize failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	out, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return s.attempt(ctx, content)
	})
	if err != nil {
		return "", eris.Wrapf(err, "assistant: summarize failed after %d attempts", max(retry.MaxAttempts, 1))
	}
	return out, nil
}

func (s *Summarizer) attempt(ctx context.Context, content string) (string, error) {
	th, err := s.API.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	if err := s.API.AddMessage(ctx, th.ID, content); err != nil {
		return "", err
	}
	run, err := s.API.CreateRun(ctx, th.ID, s.AssistantID)
	if err != nil {
		return "", err
	}

	run, err = s.poll(ctx, th.ID, run)
	if err != nil {
		return "", err
	}
	if run.Status != RunCompleted {
		if run.LastError != nil && run.LastError.Message != "" {
			return "", eris.Errorf("assistant: run ended with status=%s: %s", run.Status, run.LastError.Message)
		}
		return "", eris.Errorf("assistant: run ended with status=%s", run.Status)
	}

	msgs, err := s.API.ListMessages(ctx, th.ID, 20)
	if err != nil {
		return "", err
	}
	if txt, ok := LatestAssistantText(msgs); ok {
		return txt, nil
	}
	return "", eris.Errorf("assistant: no assistant text message found in thread %s", th.ID)
}

// poll re-reads the run at a fixed interval until it is terminal or MaxPoll
// has elapsed.
func (s *Summarizer) poll(ctx context.Context, threadID string, run *Run) (*Run, error) {
	now, sleep := s.Now, s.Sleep
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = resilience.Sleep
	}

	start := now()
	for {
		r, err := s.API.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return nil, err
		}
		if r.Terminal() {
			return r, nil
		}
		if now().Sub(start) > s.MaxPoll {
			return nil, eris.Errorf("assistant: run polling timed out after %s", s.MaxPoll)
		}
		if err := sleep(ctx, s.PollInterval); err != nil {
			return nil, eris.Wrap(err, "assistant: poll")
		}
	}
}

// LatestAssistantText returns the first non-empty text block of the first
// assistant message in msgs, which are ordered newest first.
func LatestAssistantText(msgs []Message) (string, bool) {
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		for _, c := range m.Content {
			if c.Type != "text" || c.Text == nil {
				continue
			}
			if v := strings.TrimSpace(c.Text.Value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}
