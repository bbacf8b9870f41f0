package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"msgsched/internal/scheduler"
)

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Tasks())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Task(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) disableTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "disabled", s.sched.Disable)
}

func (s *Server) enableTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "enabled", s.sched.Enable)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "running", func(name string) error { return s.sched.Run(r.Context(), name) })
}

func (s *Server) terminateTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "terminating", s.sched.Terminate)
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, result string, fn func(string) error) {
	name := chi.URLParam(r, "id")
	if err := fn(name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task": name, "status": result})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseLogFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Logs(f))
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseLogFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sched.TaskLogs(chi.URLParam(r, "id"), f))
}

// parseLogFilter reads action (repeatable), task (repeatable), min_created,
// max_created (RFC 3339), past (seconds) and limit.
func parseLogFilter(q url.Values) (scheduler.LogFilter, error) {
	var f scheduler.LogFilter
	for _, a := range q["action"] {
		act := scheduler.Action(a)
		if !act.Valid() {
			return f, fmt.Errorf("invalid action %q", a)
		}
		f.Actions = append(f.Actions, act)
	}
	f.Tasks = append(f.Tasks, q["task"]...)

	var err error
	if f.MinCreated, err = parseTime(q.Get("min_created")); err != nil {
		return f, fmt.Errorf("invalid min_created: %w", err)
	}
	if f.MaxCreated, err = parseTime(q.Get("max_created")); err != nil {
		return f, fmt.Errorf("invalid max_created: %w", err)
	}
	if v := q.Get("past"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return f, fmt.Errorf("invalid past %q", v)
		}
		f.Past = time.Duration(secs * float64(time.Second))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
