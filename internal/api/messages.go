package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"msgsched/internal/job"
	"msgsched/internal/scheduler"
	"msgsched/pkg/logx"
)

type paramRequest struct {
	Type string `json:"type" validate:"required,oneof=text"`
	Text string `json:"text"`
}

type messageRequest struct {
	To           string         `json:"to" validate:"required_without=Clients"`
	Clients      []string       `json:"clients" validate:"omitempty,dive,required"`
	Body         string         `json:"body"`
	Type         string         `json:"type" validate:"required"`
	TemplateName string         `json:"templateName" validate:"required"`
	Params       []paramRequest `json:"params" validate:"dive"`
	UserID       string         `json:"userId" validate:"required"`
	SendAt       *time.Time     `json:"send_at" validate:"required"`
}

type messageResponse struct {
	Status       string   `json:"status"`
	ID           string   `json:"id,omitempty"`
	ScheduledIDs []string `json:"scheduled_ids"`
	Template     string   `json:"template"`
	UserID       string   `json:"userId"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	params := make([]job.Param, 0, len(req.Params))
	for _, p := range req.Params {
		params = append(params, job.Param{Type: p.Type, Text: p.Text})
	}
	jobs, err := s.sched.Submit(r.Context(), scheduler.SubmitRequest{
		To:        req.To,
		Clients:   req.Clients,
		Body:      req.Body,
		Type:      req.Type,
		Template:  req.TemplateName,
		Params:    params,
		UserID:    req.UserID,
		AuthToken: r.Header.Get("Authorization"),
		SendAt:    *req.SendAt,
	})
	if err != nil && len(jobs) == 0 {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		// partial fan-out: report what was scheduled, the rest is in the log
		s.log.Error("message partially scheduled", logx.Int("scheduled", len(jobs)), logx.Err(err))
	}

	resp := messageResponse{
		Status:       "scheduled",
		ScheduledIDs: make([]string, 0, len(jobs)),
		Template:     req.TemplateName,
		UserID:       req.UserID,
	}
	for _, j := range jobs {
		resp.ScheduledIDs = append(resp.ScheduledIDs, j.ID)
	}
	if len(jobs) > 0 {
		resp.ID = jobs[0].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		j   *job.Job
		err error
	)
	if s.lookup != nil {
		j, err = s.lookup.Lookup(r.Context(), id)
	} else {
		j, err = s.sched.Job(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// validationMessage flattens validator errors to "field: tag" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", jsonName(fe.Namespace()), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

var jsonNames = map[string]string{
	"To":           "to",
	"Clients":      "clients",
	"Type":         "type",
	"TemplateName": "templateName",
	"Params":       "params",
	"UserID":       "userId",
	"SendAt":       "send_at",
}

func jsonName(ns string) string {
	ns = strings.TrimPrefix(ns, "messageRequest.")
	head, rest, _ := strings.Cut(ns, ".")
	base, idx, _ := strings.Cut(head, "[")
	if n, ok := jsonNames[base]; ok {
		base = n
	}
	if idx != "" {
		base += "[" + idx
	}
	if rest != "" {
		return base + "." + jsonName(rest)
	}
	return base
}
