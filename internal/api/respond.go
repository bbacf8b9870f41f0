package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"msgsched/internal/job"
	"msgsched/internal/scheduler"
	"msgsched/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ve *job.ValidationError
	var pe *job.PersistenceError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound), errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskState),
		errors.Is(err, scheduler.ErrTaskNotRunning),
		errors.Is(err, scheduler.ErrJobNotRunnable):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopping), errors.Is(err, scheduler.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		msg = "internal server error"
	}
	writeError(w, code, msg)
}
