// Package clienttest provides an in-process reporting service for tests.
package clienttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/raphi011/testreport/internal/model"
)

// Upload is an artifact received by the server.
type Upload struct {
	model.ArtifactHTTP
	Content []byte
}

type Server struct {
	*httptest.Server

	// Frontend is returned by the health info endpoint.
	Frontend string

	mu         sync.Mutex
	token      string
	runs       map[string]model.RunHTTP
	results    map[string]model.ResultHTTP
	uploads    []Upload
	requests   []string
	failNext   int
	failStatus int
}

// New starts a server that is closed when the test finishes.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Frontend: "https://reports.example.com",
		runs:     map[string]model.RunHTTP{},
		results:  map[string]model.ResultHTTP{},
	}

	router := httprouter.New()
	router.GET("/api/health/info", s.handle(s.healthInfo))
	router.GET("/api/run/:id", s.handle(s.getRun))
	router.POST("/api/run", s.handle(s.saveRun))
	router.PUT("/api/run/:id", s.handle(s.saveRun))
	router.POST("/api/result", s.handle(s.addResult))
	router.POST("/api/artifact/upload", s.handle(s.upload))

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Server.Close)

	return s
}

// APIURL returns the base url of the api.
func (s *Server) APIURL() string {
	return s.Server.URL + "/api"
}

// SetToken makes the server reject requests without this bearer token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

// FailNext makes the next n requests fail with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failNext = n
	s.failStatus = status
}

func (s *Server) Runs() map[string]model.RunHTTP {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make(map[string]model.RunHTTP, len(s.runs))
	for k, v := range s.runs {
		runs[k] = v
	}
	return runs
}

func (s *Server) Results() map[string]model.ResultHTTP {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make(map[string]model.ResultHTTP, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	return results
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Upload{}, s.uploads...)
}

// Requests lists `METHOD path` of every request received, including failed ones.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.requests...)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params)

func (s *Server) handle(h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)

		if s.failNext > 0 {
			s.failNext--
			status := s.failStatus
			s.mu.Unlock()
			writeJSON(w, status, model.ErrorHTTP{Code: status, Title: http.StatusText(status)})
			return
		}
		token := s.token
		s.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, model.ErrorHTTP{Code: http.StatusUnauthorized, Detail: "invalid token"})
			return
		}

		h(w, r, p)
	}
}

func (s *Server) healthInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	writeJSON(w, http.StatusOK, model.HealthInfoHTTP{Frontend: s.Frontend, Backend: s.Server.URL, APIUI: s.Server.URL + "/api/ui/"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.mu.Lock()
	run, ok := s.runs[p.ByName("id")]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, model.ErrorHTTP{Code: http.StatusNotFound, Detail: "run not found"})
		return
	}

	writeJSON(w, http.StatusOK, run.Run)
}

func (s *Server) saveRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var run model.RunHTTP
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorHTTP{Code: http.StatusBadRequest, Detail: err.Error()})
		return
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	status := http.StatusOK
	if r.Method == "POST" {
		status = http.StatusCreated
	}
	writeJSON(w, status, run.Run)
}

func (s *Server) addResult(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var result model.ResultHTTP
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorHTTP{Code: http.StatusBadRequest, Detail: err.Error()})
		return
	}

	s.mu.Lock()
	s.results[result.ID] = result
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, result.Result)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorHTTP{Code: http.StatusBadRequest, Detail: err.Error()})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorHTTP{Code: http.StatusBadRequest, Detail: err.Error()})
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}

	a := model.ArtifactHTTP{
		ID:       uuid.NewString(),
		Filename: filename,
		RunID:    r.FormValue("run_id"),
		ResultID: r.FormValue("result_id"),
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{ArtifactHTTP: a, Content: content})
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, a)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
