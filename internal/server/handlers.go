package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/input"
	"github.com/sells-group/crm-notes/internal/model"
	"github.com/sells-group/crm-notes/internal/pipeline"
	"github.com/sells-group/crm-notes/internal/search"
	"github.com/sells-group/crm-notes/internal/store"
)

type verifyRequest struct {
	Verified *bool `json:"verified" validate:"required"`
}

type rerunSummaryRequest struct {
	ExtraPrompt string `json:"extra_prompt" validate:"max=4000"`
}

type pushRequest struct {
	Force bool `json:"force"`
}

type startJobResponse struct {
	JobID string `json:"job_id"`
}

type reviewItem struct {
	Contact  model.Contact `json:"contact"`
	NoteHTML string        `json:"note_html"`
}

type contactResponse struct {
	Contact   model.Contact `json:"contact"`
	Artifacts []string      `json:"artifacts"`
}

// decode reads an optional JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
			return eris.Wrapf(errBadRequest, "decode body: %v", err)
		}
	}
	return s.validate.Struct(v)
}

// upload holds one parsed multipart table and, when kept, its saved path.
type upload struct {
	table *input.Table
	path  string
}

// readUploads parses the contacts and boards files plus the column mapping
// from a multipart form. When keep is true the files are saved under the
// upload directory.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request, keep bool) (contacts, boards upload, m input.Mapping, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err = r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		return contacts, boards, m, eris.Wrap(err, "server: parse form")
	}
	m = input.Mapping{
		ContactsEmail: r.FormValue("contacts_email"),
		ContactsID:    r.FormValue("contacts_id"),
		BoardsEmail:   r.FormValue("boards_email"),
		BoardsID:      r.FormValue("boards_id"),
	}
	if contacts, err = s.readUpload(r, "contacts", delimiter(r.FormValue("contacts_delimiter")), keep); err != nil {
		return contacts, boards, m, err
	}
	if boards, err = s.readUpload(r, "boards", delimiter(r.FormValue("boards_delimiter")), keep); err != nil {
		return contacts, boards, m, err
	}
	return contacts, boards, m, nil
}

func (s *Server) readUpload(r *http.Request, field string, delim rune, keep bool) (upload, error) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return upload{}, eris.Wrapf(err, "server: missing file %q", field)
	}
	defer f.Close() //nolint:errcheck

	dir := s.opts.UploadDir
	if !keep {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return upload{}, eris.Wrap(err, "server: create upload dir")
	}
	path := filepath.Join(dir, uuid.NewString()+"_"+safeName(hdr))
	if err := saveFile(f, path); err != nil {
		return upload{}, err
	}
	if !keep {
		defer os.Remove(path) //nolint:errcheck
	}

	t, err := input.ReadTable(path, delim)
	if err != nil {
		return upload{}, eris.Wrapf(err, "server: read %s", field)
	}
	u := upload{table: t}
	if keep {
		u.path = path
	}
	return u, nil
}

func saveFile(src multipart.File, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "server: create upload")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close() //nolint:errcheck
		return eris.Wrap(err, "server: save upload")
	}
	return eris.Wrap(dst.Close(), "server: close upload")
}

// safeName keeps the extension ReadTable dispatches on.
func safeName(hdr *multipart.FileHeader) string {
	name := filepath.Base(hdr.Filename)
	if name == "." || name == "/" || name == "" {
		return "upload.csv"
	}
	return strings.ReplaceAll(name, " ", "_")
}

func delimiter(s string) rune {
	switch s {
	case "", "auto":
		return 0
	case `\t`, "tab":
		return '\t'
	}
	return []rune(s)[0]
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	contacts, boards, m, err := s.readUploads(w, r, false)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	job, err := input.NewJob(contacts.table, boards.table, m)
	if err != nil {
		writeInputError(w, err)
		return
	}
	limit := s.opts.PreviewLimit
	if v, err := strconv.Atoi(r.FormValue("preview_limit")); err == nil && v > 0 {
		limit = v
	}
	writeJSON(w, http.StatusOK, input.Preview(job, limit))
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	contacts, boards, m, err := s.readUploads(w, r, true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	job, err := input.NewJob(contacts.table, boards.table, m)
	if err != nil {
		writeInputError(w, err)
		return
	}

	jobID := s.svc.StartJob(s.base, job, model.JobMeta{
		ContactsFile:  contacts.path,
		BoardsFile:    boards.path,
		ContactsEmail: m.ContactsEmail,
		ContactsID:    m.ContactsID,
		BoardsEmail:   m.BoardsEmail,
		BoardsID:      m.BoardsID,
		ExtraPrompt:   strings.TrimSpace(r.FormValue("extra_prompt")),
	})
	zap.L().Info("server: job started",
		zap.String("job_id", jobID),
		zap.Int("contacts", len(job.Contacts)),
	)
	writeJSON(w, http.StatusAccepted, startJobResponse{JobID: jobID})
}

// writeInputError reports mapping problems as bad requests.
func writeInputError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Jobs.List())
}

// handleSearch looks up contacts across every persisted job. rebuild=1
// rescans the artifact store first.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := search.DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.index.Search(r.Context(), q.Get("q"), limit, q.Get("rebuild") == "1")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFindContact(w http.ResponseWriter, r *http.Request) {
	e, err := s.index.Find(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Jobs.Snapshot(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReview lists finished contacts with their rendered notes.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := s.svc.Jobs.Snapshot(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	items := []reviewItem{}
	for _, c := range snap.Contacts {
		if c.Status != model.ContactStatusDone {
			continue
		}
		html, err := s.svc.Contact(jobID, c.ContactID).GetText(r.Context(), store.NoteHTML)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, err)
			return
		}
		items = append(items, reviewItem{Contact: c, NoteHTML: html})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	jobID, contactID := chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID")
	c, err := s.svc.Jobs.Contact(jobID, contactID)
	if err != nil {
		writeError(w, err)
		return
	}
	names, err := s.svc.Contact(jobID, contactID).List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, contactResponse{Contact: c, Artifacts: names})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, contactID := chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID")
	if _, err := s.svc.Jobs.Contact(jobID, contactID); err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	data, err := s.svc.Contact(jobID, contactID).Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	switch filepath.Ext(name) {
	case ".json":
		w.Header().Set("Content-Type", "application/json")
	case ".html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.SetVerified(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID"), *req.Verified)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRerunSummary(w http.ResponseWriter, r *http.Request) {
	var req rerunSummaryRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.RerunSummarize(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID"), strings.TrimSpace(req.ExtraPrompt))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRerunRender(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RerunRender(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePushContact(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.svc.PushContact(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "contactID"), pipeline.PushOptions{Force: req.Force})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePushJob(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.svc.PushJob(r.Context(), chi.URLParam(r, "jobID"), pipeline.PushOptions{Force: req.Force})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
