// Package hattest provides an in-process fake HAT for tests. It implements
// the data and file endpoints used by hatsync, deduplicates writes by
// idempotency key and can inject failures.
package hattest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/dataswift/hatsync/hat"
)

// Server is a fake HAT backed by memory
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	token     string
	renewTo   string
	nextID    int
	records   map[string]hat.Record
	order     []string
	seen      map[string]json.RawMessage
	calls     map[string]int
	failNext  []int
	dropNext  int
	files     map[string][]byte
	completed map[string]bool
}

// NewServer starts a fake HAT accepting token
func NewServer(token string) *Server {
	s := &Server{
		token:     token,
		nextID:    1,
		records:   make(map[string]hat.Record),
		seen:      make(map[string]json.RawMessage),
		calls:     make(map[string]int),
		files:     make(map[string][]byte),
		completed: make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get(hat.APIPrefix+"/data/{ns}/{ep}", s.handleFetch)
		r.Post(hat.APIPrefix+"/data/{ns}/{ep}", s.handleCreate)
		r.Put(hat.APIPrefix+"/data", s.handleUpdate)
		r.Delete(hat.APIPrefix+"/data", s.handleDelete)
		r.Post(hat.APIPrefix+"/files/upload", s.handleFileRegister)
		r.Put(hat.APIPrefix+"/files/file/{id}/complete", s.handleFileComplete)
		r.Get(hat.APIPrefix+"/files/content/{id}", s.handleFileContent)
	})
	r.Put("/storage/{id}", s.handleFileBytes)
	r.Head("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	s.Server = httptest.NewServer(r)
	return s
}

// SetNextID makes the next created record get the identifier "r<n>"
func (s *Server) SetNextID(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = n
}

// SetToken changes the accepted token, invalidating the old one
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// RenewTo makes every successful response carry a renewed token, which the
// server accepts from then on alongside the original
func (s *Server) RenewTo(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewTo = token
}

// FailNext makes the next data or file requests fail with the given statuses,
// one per request, without applying them.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, statuses...)
}

// DropResponses makes the next n writes apply but answer 502, as if the
// connection dropped after the HAT committed.
func (s *Server) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext += n
}

// Calls returns how many requests reached a handler for method, failed ones
// included. Method is "GET", "POST", "PUT" or "DELETE" on the data API.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of data API requests of any method
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Records returns the stored records of endpoint ("ns/ep") in creation order
func (s *Server) Records(endpoint string) []hat.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hat.Record
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok && rec.Endpoint == endpoint {
			out = append(out, rec)
		}
	}
	return out
}

// Put stores a record directly, as if created by another device
func (s *Server) Put(endpoint string, data json.RawMessage) hat.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(endpoint, data)
}

// File returns uploaded bytes and whether the upload was completed
func (s *Server) File(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id], s.completed[id]
}

// FileIDs lists uploaded file identifiers
func (s *Server) FileIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) insert(endpoint string, data json.RawMessage) hat.Record {
	id := fmt.Sprintf("r%d", s.nextID)
	s.nextID++
	rec := hat.Record{Endpoint: endpoint, RecordID: id, Data: data}
	s.records[id] = rec
	s.order = append(s.order, id)
	return rec
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		got := r.Header.Get(hat.TokenHeader)
		ok := got != "" && (got == s.token || (s.renewTo != "" && got == s.renewTo))
		renew := s.renewTo
		if strings.HasPrefix(r.URL.Path, hat.APIPrefix+"/data") {
			s.calls[r.Method]++
		}
		var fail int
		if ok && len(s.failNext) > 0 {
			fail, s.failNext = s.failNext[0], s.failNext[1:]
		}
		s.mu.Unlock()

		if !ok {
			http.Error(w, `{"error":"Not Authenticated"}`, http.StatusUnauthorized)
			return
		}
		if fail != 0 {
			http.Error(w, `{"error":"injected failure"}`, fail)
			return
		}
		if renew != "" {
			w.Header().Set(hat.TokenHeader, renew)
		}
		next.ServeHTTP(w, r)
	})
}

// dedupe replays the stored response for a repeated idempotency key. It
// reports true when the response has been written.
func (s *Server) dedupe(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get(hat.IdempotencyHeader)
	if key == "" {
		return false
	}
	resp, ok := s.seen[r.Method+" "+key]
	if !ok {
		return false
	}
	writeJSON(w, http.StatusOK, resp)
	return true
}

func (s *Server) remember(r *http.Request, resp any) json.RawMessage {
	b, _ := json.Marshal(resp)
	if key := r.Header.Get(hat.IdempotencyHeader); key != "" {
		s.seen[r.Method+" "+key] = b
	}
	return b
}

// respondWrite answers a committed write, or drops the answer on request
func (s *Server) respondWrite(w http.ResponseWriter, status int, body json.RawMessage) {
	if s.dropNext > 0 {
		s.dropNext--
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeJSON(w, status, body)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "ns") + "/" + chi.URLParam(r, "ep")
	recs := s.Records(endpoint)
	if recs == nil {
		recs = []hat.Record{}
	}
	b, _ := json.Marshal(recs)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupe(w, r) {
		return
	}
	rec := s.insert(chi.URLParam(r, "ns")+"/"+chi.URLParam(r, "ep"), body)
	s.respondWrite(w, http.StatusCreated, s.remember(r, rec))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var recs []hat.Record
	if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupe(w, r) {
		return
	}
	for _, rec := range recs {
		if _, ok := s.records[rec.RecordID]; !ok {
			http.Error(w, `{"error":"record not found"}`, http.StatusNotFound)
			return
		}
	}
	for i, rec := range recs {
		rec.Endpoint = s.records[rec.RecordID].Endpoint
		s.records[rec.RecordID] = rec
		recs[i] = rec
	}
	s.respondWrite(w, http.StatusCreated, s.remember(r, recs))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["records"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupe(w, r) {
		return
	}
	for _, id := range ids {
		delete(s.records, id)
	}
	s.respondWrite(w, http.StatusOK, s.remember(r, map[string]string{"message": "All records deleted"}))
}

func (s *Server) handleFileRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	id := fmt.Sprintf("f%d-%s", len(s.files)+1, req.Name)
	s.files[id] = nil
	s.mu.Unlock()

	b, _ := json.Marshal(map[string]any{
		"fileId":     id,
		"name":       req.Name,
		"tags":       req.Tags,
		"contentUrl": s.URL + "/storage/" + id,
		"status":     map[string]string{"status": "New"},
	})
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleFileBytes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}
	s.files[id] = data
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFileComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		http.Error(w, `{"error":"file not found"}`, http.StatusNotFound)
		return
	}
	s.completed[id] = true
	b, _ := json.Marshal(map[string]any{"fileId": id, "status": map[string]string{"status": "Completed"}})
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.files[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
