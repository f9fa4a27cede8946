package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/service/deploy"
	"github.com/splax/filify/internal/service/webhook"
)

const maxWebhookBody = 1 << 20

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	if req.Body == nil || req.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(req.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	filter := domain.DeploymentFilter{
		ProjectID: strings.TrimSpace(query.Get("project_id")),
		Limit:     defaultListLimit,
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := domain.ParseStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if filter.Limit > r.listMaximum {
		filter.Limit = r.listMaximum
	}
	deployments, err := r.deploy.List(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.deploy.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		CommitRef          string `json:"commit_ref"`
		CommitMessage      string `json:"commit_message"`
		ArtifactRef        string `json:"artifact_ref"`
		ResumeFromPrevious bool   `json:"resume_from_previous"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	d, err := r.deploy.Create(req.Context(), deploy.CreateInput{
		ProjectID:          chi.URLParam(req, "projectID"),
		TriggeredBy:        domain.TriggerManual,
		CommitRef:          payload.CommitRef,
		CommitMessage:      payload.CommitMessage,
		ArtifactRef:        payload.ArtifactRef,
		ResumeFromPrevious: payload.ResumeFromPrevious,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (r *Router) handleUpdateStatus(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Status string `json:"status"`
		domain.DeploymentFields
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := domain.ParseStatus(payload.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := r.deploy.UpdateStatus(req.Context(), chi.URLParam(req, "id"), status, payload.DeploymentFields)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	result, err := r.deploy.Cancel(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleMarkFailed(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := r.deploy.MarkFailed(req.Context(), chi.URLParam(req, "id"), payload.Message)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleConfirm(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.deploy.Confirm(req.Context(), chi.URLParam(req, "id"), payload.TxRef)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleBuilderCallback(w http.ResponseWriter, req *http.Request) {
	var payload deploy.CallbackPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := r.deploy.ProcessCallback(req.Context(), payload); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = req.Header.Get("X-Webhook-Signature")
	}
	d, err := r.webhook.HandlePush(req.Context(), chi.URLParam(req, "projectID"), body, signature)
	switch {
	case errors.Is(err, webhook.ErrSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case errors.Is(err, webhook.ErrIgnored):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	case err != nil:
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "deployment_id": d.ID})
}
