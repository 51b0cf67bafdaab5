// Package mockfoundry serves the subset of the Foundry dataset v2 API that the pipeline uses,
// backed by local directories. It is used by tests and by cmd/mock-foundry for local runs.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultBranch = "master"

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file upload into a dataset transaction.
type Upload struct {
	DatasetRID string
	TxnRID     string
	FilePath   string
	Bytes      []byte
}

// Server is an in-memory dataset service. Input tables are read from inputDir/<rid>.csv;
// uploads and committed heads are written under uploadDir.
type Server struct {
	inputDir  string
	uploadDir string

	mu      sync.Mutex
	calls   []Call
	uploads []Upload

	expectedAuthorization string

	nextTxn int
	txns    map[string]*txnState
	// order lists transaction RIDs oldest first.
	order []string

	inputs map[string][]byte
	heads  map[string][]byte
}

type txnState struct {
	rid        string
	datasetRID string
	branch     string
	status     string
	created    time.Time
	files      map[string][]byte
}

func New(inputDir, uploadDir string) *Server {
	return &Server{
		inputDir:  inputDir,
		uploadDir: uploadDir,
		nextTxn:   1,
		txns:      make(map[string]*txnState),
		inputs:    make(map[string][]byte),
		heads:     make(map[string][]byte),
	}
}

// RequireBearerToken makes every request carry "Authorization: Bearer <token>". An empty token disables the check.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// SetInput serves b as the dataset's table until something is committed to it.
func (s *Server) SetInput(datasetRID string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[datasetRID] = append([]byte(nil), b...)
}

// Head returns the last committed contents of a dataset.
func (s *Server) Head(datasetRID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.heads[datasetRID]
	return append([]byte(nil), b...), ok
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/datasets/{rid}/branches/{branch}", s.handleGetBranch)
	mux.HandleFunc("GET /api/v2/datasets/{rid}/readTable", s.handleReadTable)
	mux.HandleFunc("GET /api/v2/datasets/{rid}/transactions", s.handleListTransactions)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions", s.handleCreateTransaction)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions/{txn}/commit", s.handleCommit)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/files/{rest...}", s.handleUpload)
	return s.middleware(mux)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Uploads returns a snapshot of uploads made to the server.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		expected := s.expectedAuthorization
		s.mu.Unlock()

		if expected != "" && r.Header.Get("Authorization") != expected {
			writeConjureError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Default:Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeConjureError(w http.ResponseWriter, status int, code, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		"parameters":      map[string]any{},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func branchParam(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return defaultBranch
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	rid, branch := r.PathValue("rid"), r.PathValue("branch")

	s.mu.Lock()
	latest := ""
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.txns[s.order[i]]
		if t.datasetRID == rid && t.branch == branch && t.status != "ABORTED" {
			latest = t.rid
			break
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]string{"name": branch, "transactionRid": latest})
}

func (s *Server) handleReadTable(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if !strings.EqualFold(r.URL.Query().Get("format"), "CSV") {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Datasets:InvalidTableFormat")
		return
	}
	b, ok := s.table(rid)
	if !ok {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:DatasetNotFound")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(b)
}

// table resolves readTable content: committed head, then the head persisted on disk, then the input.
func (s *Server) table(rid string) ([]byte, bool) {
	s.mu.Lock()
	if head, ok := s.heads[rid]; ok {
		s.mu.Unlock()
		return head, true
	}
	if in, ok := s.inputs[rid]; ok {
		s.mu.Unlock()
		return in, true
	}
	s.mu.Unlock()

	if s.uploadDir != "" {
		if b, err := os.ReadFile(s.committedTablePath(rid)); err == nil {
			s.mu.Lock()
			s.heads[rid] = b
			s.mu.Unlock()
			return b, true
		}
	}
	if s.inputDir != "" && isSafeToken(rid) {
		if b, err := os.ReadFile(filepath.Join(s.inputDir, rid+".csv")); err == nil {
			return b, true
		}
	}
	return nil, false
}

type transactionJSON struct {
	TransactionType string  `json:"transactionType"`
	CreatedTime     string  `json:"createdTime"`
	RID             string  `json:"rid"`
	ClosedTime      *string `json:"closedTime,omitempty"`
	Status          string  `json:"status"`
}

func (t *txnState) toJSON() transactionJSON {
	return transactionJSON{
		TransactionType: "SNAPSHOT",
		CreatedTime:     t.created.UTC().Format(time.RFC3339Nano),
		RID:             t.rid,
		Status:          t.status,
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if r.URL.Query().Get("preview") != "true" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	data := []transactionJSON{}
	for i := len(s.order) - 1; i >= 0; i-- {
		if t := s.txns[s.order[i]]; t.datasetRID == rid {
			data = append(data, t.toJSON())
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"data": data})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	branch := branchParam(r.URL.Query().Get("branchName"))

	var req struct {
		TransactionType string `json:"transactionType"`
	}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		if err := json.Unmarshal(b, &req); err != nil {
			writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
			return
		}
	}
	if req.TransactionType != "" && req.TransactionType != "SNAPSHOT" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Datasets:InvalidTransactionType")
		return
	}

	s.mu.Lock()
	for _, id := range s.order {
		if t := s.txns[id]; t.datasetRID == rid && t.branch == branch && t.status == "OPEN" {
			s.mu.Unlock()
			writeConjureError(w, http.StatusConflict, "CONFLICT", "Datasets:OpenTransactionAlreadyExists")
			return
		}
	}
	t := &txnState{
		rid:        fmt.Sprintf("ri.foundry.main.transaction.%06d", s.nextTxn),
		datasetRID: rid,
		branch:     branch,
		status:     "OPEN",
		created:    time.Now(),
		files:      make(map[string][]byte),
	}
	s.nextTxn++
	s.txns[t.rid] = t
	s.order = append(s.order, t.rid)
	out := t.toJSON()
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	filePath, ok := strings.CutSuffix(r.PathValue("rest"), "/upload")
	if !ok || !isSafeFilePath(filePath) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Datasets:InvalidFilePath")
		return
	}
	txnRID := r.URL.Query().Get("transactionRid")

	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[txnRID]
	if !ok || t.datasetRID != rid {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:TransactionNotFound")
		return
	}
	if t.status != "OPEN" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Datasets:TransactionNotOpen")
		return
	}
	if s.uploadDir != "" {
		dst := filepath.Join(s.uploadDir, rid, t.rid, filepath.FromSlash(filePath))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			writeConjureError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
			return
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			writeConjureError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
			return
		}
	}
	t.files[filePath] = b
	s.uploads = append(s.uploads, Upload{DatasetRID: rid, TxnRID: t.rid, FilePath: filePath, Bytes: b})

	writeJSON(w, map[string]string{"path": filePath, "transactionRid": t.rid})
}

// handleCommit publishes the transaction's single file as the dataset head.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	rid, txnRID := r.PathValue("rid"), r.PathValue("txn")

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[txnRID]
	if !ok || t.datasetRID != rid {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:TransactionNotFound")
		return
	}
	if t.status != "OPEN" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Datasets:TransactionNotOpen")
		return
	}
	if len(t.files) != 1 {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	head := t.files[paths[0]]

	if s.uploadDir != "" {
		committed := s.committedTablePath(rid)
		if err := os.MkdirAll(filepath.Dir(committed), 0o755); err != nil {
			writeConjureError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
			return
		}
		if err := os.WriteFile(committed, head, 0o644); err != nil {
			writeConjureError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
			return
		}
	}
	t.status = "COMMITTED"
	s.heads[rid] = head

	out := t.toJSON()
	closed := time.Now().UTC().Format(time.RFC3339Nano)
	out.ClosedTime = &closed
	writeJSON(w, out)
}

func (s *Server) committedTablePath(datasetRID string) string {
	return filepath.Join(s.uploadDir, datasetRID, "_committed", "readTable.csv")
}

func isSafeToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

func isSafeFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
