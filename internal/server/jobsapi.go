package server

import (
	"net/http"
)

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List(queryInt(r, "limit", 50))
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.jobs.Cancel(id)
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "job", "cancel", string(j.Status), "job", id)
	s.writeJSON(w, http.StatusOK, j)
}
