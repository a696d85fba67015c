package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/crm-notes/pkg/anthropic"
	"github.com/sells-group/crm-notes/pkg/hubspot"
	"github.com/sells-group/crm-notes/pkg/trello"
)

// --- Trello Mock ---

type mockTrello struct {
	mock.Mock
}

func (m *mockTrello) GetCard(ctx context.Context, id string) (*trello.Card, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*trello.Card), args.Error(1)
}

func (m *mockTrello) GetComments(ctx context.Context, id string) ([]trello.Action, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]trello.Action), args.Error(1)
}

func (m *mockTrello) GetChecklists(ctx context.Context, id string) ([]trello.Checklist, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]trello.Checklist), args.Error(1)
}

// onCard wires a card with no comments or checklists.
func (m *mockTrello) onCard(id string) {
	m.On("GetCard", mock.Anything, id).Return(&trello.Card{ID: id, Name: "Card " + id, URL: trello.ShortLink(id)}, nil)
	m.On("GetComments", mock.Anything, id).Return([]trello.Action{}, nil)
	m.On("GetChecklists", mock.Anything, id).Return([]trello.Checklist{}, nil)
}

// --- HubSpot Mocks ---

type mockCRM struct {
	mock.Mock
}

func (m *mockCRM) FetchContact(ctx context.Context, contactID string) (*hubspot.ContactBundle, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hubspot.ContactBundle), args.Error(1)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) CreateNote(ctx context.Context, n hubspot.NoteRequest) (string, error) {
	args := m.Called(ctx, n)
	return args.String(0), args.Error(1)
}

// --- Model Mocks ---

type mockSummarizer struct {
	mock.Mock
}

func (m *mockSummarizer) Summarize(ctx context.Context, text, instruction string) (string, error) {
	args := m.Called(ctx, text, instruction)
	return args.String(0), args.Error(1)
}

type mockRenderer struct {
	mock.Mock
}

func (m *mockRenderer) Render(ctx context.Context, summary map[string]any) (string, error) {
	args := m.Called(ctx, summary)
	return args.String(0), args.Error(1)
}

func (m *mockRenderer) Model() string { return "test-render-model" }

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}
