package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
)

// --- JSON helpers ---

type errorBody struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code through its apperr kind.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{
		Error:   msg,
		Kind:    string(kind),
		Details: apperr.DetailsOf(err),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Job handlers ---

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req schema.JobCreate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(err, apperr.Validation, "invalid JSON: "+err.Error()))
		return
	}

	st, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	// ?wait=true holds the response until the job settles
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && !st.Status.Terminal() {
		final, err := s.orch.Wait(r.Context(), st.ID)
		if err != nil {
			writeError(w, apperr.Wrap(err, apperr.Internal, "waiting for job"))
			return
		}
		st = final
	}

	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = schema.Status(status)
		if !opts.Status.Valid() {
			writeError(w, apperr.Newf(apperr.Validation, "unknown status %q", status))
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	jobs, err := s.orch.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}

	if jobs == nil {
		jobs = []storage.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
