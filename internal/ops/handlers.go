package ops

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"chanrelay/internal/domain"
	logx "chanrelay/pkg/logx"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("ops write failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalid):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.src.Ready != nil && !s.src.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.src.Jobs == nil {
		http.NotFound(w, r)
		return
	}
	list, err := s.src.Jobs.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.JobStatus{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.src.Jobs == nil {
		http.NotFound(w, r)
		return
	}
	st, err := s.src.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) runtime(w http.ResponseWriter, r *http.Request) {
	if s.src.Runtime == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.src.Runtime())
}

func (s *Server) maintenance(w http.ResponseWriter, r *http.Request) {
	if s.src.Maintenance == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.src.Maintenance())
}
