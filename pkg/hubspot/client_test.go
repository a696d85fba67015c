package hubspot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestListAssociatedIDs_PagesAndDedupes(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/crm/v4/objects/contacts/101/associations/notes", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		switch r.URL.Query().Get("after") {
		case "":
			w.Write([]byte(`{"results":[{"toObjectId":1},{"toObjectId":2}],"paging":{"next":{"after":"p2"}}}`)) //nolint:errcheck
		case "p2":
			w.Write([]byte(`{"results":[{"toObjectId":2},{"toObjectId":3}],"paging":{"next":{"after":"p3"}}}`)) //nolint:errcheck
		case "p3":
			w.Write([]byte(`{"results":[{"toObjectId":1}]}`)) //nolint:errcheck
		}
	}))
	defer srv.Close()

	r := NewReader("tok", WithBaseURL(srv.URL), WithPageLimit(2))
	ids, err := r.ListAssociatedIDs(context.Background(), "101", ObjectNotes)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBatchRead_Chunks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/crm/v3/objects/notes/batch/read", r.URL.Path)

		var body batchReadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"hs_note_body"}, body.Properties)

		mu.Lock()
		sizes = append(sizes, len(body.Inputs))
		mu.Unlock()

		var resp batchReadResponse
		for _, in := range body.Inputs {
			resp.Results = append(resp.Results, Object{ID: in.ID, Properties: map[string]string{"hs_note_body": "n" + in.ID}})
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	ids := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		ids = append(ids, fmt.Sprint(i))
	}

	r := NewReader("tok", WithBaseURL(srv.URL), WithBatchSize(2))
	got, err := r.BatchRead(context.Background(), ObjectNotes, ids, []string{"hs_note_body"})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "n5", got[4].Properties["hs_note_body"])
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestBatchRead_Empty(t *testing.T) {
	r := NewReader("tok", WithBaseURL("http://127.0.0.1:0"))
	got, err := r.BatchRead(context.Background(), ObjectCalls, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchContact(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/associations/notes"):
			w.Write([]byte(`{"results":[{"toObjectId":11},{"toObjectId":12}]}`)) //nolint:errcheck
		case strings.HasSuffix(r.URL.Path, "/associations/calls"):
			w.Write([]byte(`{"results":[{"toObjectId":21}]}`)) //nolint:errcheck
		case strings.HasSuffix(r.URL.Path, "/associations/deals"):
			w.Write([]byte(`{"results":[{"toObjectId":31},{"toObjectId":32}]}`)) //nolint:errcheck
		case r.URL.Path == "/crm/v3/objects/notes/batch/read":
			w.Write([]byte(`{"results":[
				{"id":"11","properties":{"hs_note_body":"<p>Second <b>note</b></p>","hs_timestamp":"1706745600000"}},
				{"id":"12","properties":{"hs_note_body":"First note","hs_timestamp":"","hs_createdate":"2024-01-01T00:00:00.000Z"}}
			]}`)) //nolint:errcheck
		case r.URL.Path == "/crm/v3/objects/calls/batch/read":
			w.Write([]byte(`{"results":[
				{"id":"21","properties":{"hs_call_body":"Discussed renewal","hs_call_outcome":"CONNECTED","hs_timestamp":"2024-02-10T15:00:00Z"}}
			]}`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewReader("tok", WithBaseURL(srv.URL))
	b, err := r.FetchContact(context.Background(), "101")
	require.NoError(t, err)

	assert.Equal(t, "101", b.ContactID)
	assert.Equal(t, []string{"31", "32"}, b.DealIDs)
	require.Len(t, b.Notes, 2)
	assert.Equal(t, "12", b.Notes[0].ID)
	assert.Equal(t, "2024-01-01T00:00:00Z", b.Notes[0].Timestamp)
	assert.Equal(t, "Second note", b.Notes[1].Body)
	assert.Equal(t, "2024-02-01T00:00:00Z", b.Notes[1].Timestamp)

	want := strings.Join([]string{
		"HUBSPOT_NOTES (timestamped):",
		"- [2024-01-01T00:00:00Z] First note",
		"- [2024-02-01T00:00:00Z] Second note",
		"",
		"HUBSPOT_CALLS (timestamped + outcome):",
		"- [2024-02-10T15:00:00Z] OUTCOME=CONNECTED | Discussed renewal",
	}, "\n")
	assert.Equal(t, want, b.Text)
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"", ""},
		{"<p>one</p><p>two</p>", "one\ntwo"},
		{"a<br>b", "a\nb"},
		{"<ul><li>x</li><li>y  z</li></ul>", "x\ny z"},
		{"Fish &amp; chips", "Fish & chips"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripMarkup(tt.in), "input %q", tt.in)
	}
}

func TestToISO(t *testing.T) {
	assert.Equal(t, "2024-02-01T00:00:00Z", ToISO("1706745600000"))
	assert.Equal(t, "2024-01-01T05:00:00Z", ToISO("2024-01-01T00:00:00-05:00"))
	assert.Equal(t, "yesterday", ToISO("yesterday"))
	assert.Equal(t, "", ToISO(" "))
}

func TestSortEntries_UnparseableLast(t *testing.T) {
	e := []Entry{
		{ID: "x", Timestamp: "garbage"},
		{ID: "b", Timestamp: "2024-02-01T00:00:00Z"},
		{ID: "a", Timestamp: "2024-01-01T00:00:00Z"},
	}
	SortEntries(e)
	assert.Equal(t, "a", e[0].ID)
	assert.Equal(t, "b", e[1].ID)
	assert.Equal(t, "x", e[2].ID)
}

func TestLabels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v4/associations/notes/contacts/labels", r.URL.Path)
		w.Write([]byte(`{"results":[{"category":"USER_DEFINED","typeId":90,"label":"Primary"},{"category":"HUBSPOT_DEFINED","typeId":202,"label":null}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewReader("tok", WithBaseURL(srv.URL))
	labels, err := r.Labels(context.Background(), ObjectNotes, ObjectContacts)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, 202, DefaultTypeID(labels))
	assert.Equal(t, 0, DefaultTypeID(nil))
}
