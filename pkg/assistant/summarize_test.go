package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) CreateThread(ctx context.Context) (*Thread, error) {
	args := m.Called(ctx)
	th, _ := args.Get(0).(*Thread)
	return th, args.Error(1)
}

func (m *mockAPI) AddMessage(ctx context.Context, threadID, content string) error {
	return m.Called(ctx, threadID, content).Error(0)
}

func (m *mockAPI) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	args := m.Called(ctx, threadID, assistantID)
	r, _ := args.Get(0).(*Run)
	return r, args.Error(1)
}

func (m *mockAPI) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	args := m.Called(ctx, threadID, runID)
	r, _ := args.Get(0).(*Run)
	return r, args.Error(1)
}

func (m *mockAPI) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	args := m.Called(ctx, threadID, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func textMessage(role, value string) Message {
	m := Message{Role: role, Content: []ContentBlock{{Type: "text"}}}
	m.Content[0].Text = &struct {
		Value string `json:"value"`
	}{Value: value}
	return m
}

func testSummarizer(api API) *Summarizer {
	s := NewSummarizer(api, "asst_1")
	s.Retry.InitialBackoff = time.Millisecond
	s.Retry.MaxBackoff = time.Millisecond
	s.Sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestSummarize_FreshThreadPerAttempt(t *testing.T) {
	api := new(mockAPI)
	ctx := context.Background()

	api.On("CreateThread", ctx).Return(&Thread{ID: "th1"}, nil).Once()
	api.On("CreateThread", ctx).Return(&Thread{ID: "th2"}, nil).Once()
	api.On("AddMessage", ctx, mock.Anything, "Be brief\n\ncontext text").Return(nil).Twice()
	api.On("CreateRun", ctx, "th1", "asst_1").Return(&Run{ID: "r1", Status: "queued"}, nil)
	api.On("CreateRun", ctx, "th2", "asst_1").Return(&Run{ID: "r2", Status: "queued"}, nil)
	api.On("GetRun", ctx, "th1", "r1").Return(&Run{ID: "r1", Status: RunFailed, LastError: &RunError{Message: "server_error"}}, nil)
	api.On("GetRun", ctx, "th2", "r2").Return(&Run{ID: "r2", Status: "in_progress"}, nil).Once()
	api.On("GetRun", ctx, "th2", "r2").Return(&Run{ID: "r2", Status: RunCompleted}, nil).Once()
	api.On("ListMessages", ctx, "th2", 20).Return([]Message{
		textMessage("assistant", `{"summary":{}}`),
		textMessage("user", "ignored"),
	}, nil)

	out, err := testSummarizer(api).Summarize(ctx, "  context text ", "Be brief")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":{}}`, out)
	api.AssertExpectations(t)
	api.AssertNumberOfCalls(t, "CreateThread", 2)
}

func TestSummarize_NoAssistantText(t *testing.T) {
	api := new(mockAPI)
	ctx := context.Background()

	api.On("CreateThread", ctx).Return(&Thread{ID: "th"}, nil)
	api.On("AddMessage", ctx, "th", "ctx").Return(nil)
	api.On("CreateRun", ctx, "th", "asst_1").Return(&Run{ID: "r"}, nil)
	api.On("GetRun", ctx, "th", "r").Return(&Run{ID: "r", Status: RunCompleted}, nil)
	api.On("ListMessages", ctx, "th", 20).Return([]Message{textMessage("assistant", "  ")}, nil)

	s := testSummarizer(api)
	s.Retry.MaxAttempts = 2
	_, err := s.Summarize(ctx, "ctx", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no assistant text")
	api.AssertNumberOfCalls(t, "CreateThread", 2)
}

func TestSummarize_PollTimeout(t *testing.T) {
	api := new(mockAPI)
	ctx := context.Background()

	api.On("CreateThread", ctx).Return(&Thread{ID: "th"}, nil)
	api.On("AddMessage", ctx, "th", "ctx").Return(nil)
	api.On("CreateRun", ctx, "th", "asst_1").Return(&Run{ID: "r"}, nil)
	api.On("GetRun", ctx, "th", "r").Return(&Run{ID: "r", Status: "in_progress"}, nil)

	clock := time.Unix(0, 0)
	s := testSummarizer(api)
	s.Retry.MaxAttempts = 1
	s.MaxPoll = 3 * time.Second
	s.Now = func() time.Time { return clock }
	s.Sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}

	_, err := s.Summarize(ctx, "ctx", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	api.AssertNotCalled(t, "ListMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestSummarize_CancelledContext(t *testing.T) {
	api := new(mockAPI)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api.On("CreateThread", ctx).Return(nil, errors.New("context canceled"))

	_, err := testSummarizer(api).Summarize(ctx, "ctx", "")
	require.Error(t, err)
	api.AssertNumberOfCalls(t, "CreateThread", 1)
}

func TestLatestAssistantText(t *testing.T) {
	_, ok := LatestAssistantText(nil)
	assert.False(t, ok)

	txt, ok := LatestAssistantText([]Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "image_file"}}},
		textMessage("assistant", " newest "),
		textMessage("assistant", "older"),
	})
	assert.True(t, ok)
	assert.Equal(t, "newest", txt)
}

func TestClient_EndToEnd(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			w.Write([]byte(`{"id":"thread_1"}`)) //nolint:errcheck
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_1/messages":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user", body["role"])
			assert.Equal(t, "hello", body["content"])
			w.Write([]byte(`{"id":"msg_1"}`)) //nolint:errcheck
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_1/runs":
			w.Write([]byte(`{"id":"run_1","status":"queued"}`)) //nolint:errcheck
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/runs/run_1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"id":"run_1","status":"in_progress"}`)) //nolint:errcheck
				return
			}
			w.Write([]byte(`{"id":"run_1","status":"completed"}`)) //nolint:errcheck
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/messages":
			assert.Equal(t, "desc", r.URL.Query().Get("order"))
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"data":[{"id":"m2","role":"assistant","content":[{"type":"text","text":{"value":"done"}}]}]}`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := testSummarizer(NewClient("sk-test", WithBaseURL(srv.URL)))
	out, err := s.Summarize(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(2), polls.Load())
}
