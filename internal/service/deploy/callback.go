package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/splax/filify/internal/domain"
)

// CallbackPayload represents progress events from the build worker.
type CallbackPayload struct {
	DeploymentID string    `json:"deployment_id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	ArtifactRef  string    `json:"artifact_ref"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProcessCallback maps a build worker report onto a status transition.
// Reports that repeat the current stage are accepted without a write.
func (s Service) ProcessCallback(ctx context.Context, payload CallbackPayload) (*domain.Deployment, error) {
	if strings.TrimSpace(payload.DeploymentID) == "" {
		return nil, fmt.Errorf("%w: deployment_id required", ErrInvalidInput)
	}
	to, ok := mapBuilderStatus(payload.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown build status %q", ErrInvalidInput, payload.Status)
	}
	current, err := s.deployments.GetDeploymentByID(ctx, payload.DeploymentID)
	if err != nil {
		return nil, err
	}
	if payload.ProjectID != "" && payload.ProjectID != current.ProjectID {
		return nil, fmt.Errorf("%w: deployment %s does not belong to project %s", ErrInvalidInput, current.ID, payload.ProjectID)
	}

	fields := domain.DeploymentFields{}
	switch to {
	case domain.StatusPendingUpload:
		fields.ArtifactRef = strings.TrimSpace(payload.ArtifactRef)
		if fields.ArtifactRef == "" && current.ArtifactRef == "" {
			return nil, fmt.Errorf("%w: artifact_ref required when a build completes", ErrInvalidInput)
		}
	case domain.StatusFailed:
		fields.ErrorMessage = firstNonBlank(payload.Error, payload.Message, "build failed")
	}
	if to == current.Status && fields == (domain.DeploymentFields{}) {
		return current, nil
	}

	s.logger.Info("build progress", "deployment_id", current.ID, "status", payload.Status, "message", payload.Message)
	if to == domain.StatusFailed {
		return s.MarkFailed(ctx, current.ID, fields.ErrorMessage)
	}
	return s.transition(ctx, *current, to, fields)
}

func mapBuilderStatus(raw string) (domain.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued":
		return domain.StatusPendingBuild, true
	case "cloning":
		return domain.StatusCloning, true
	case "building":
		return domain.StatusBuilding, true
	case "built", "success":
		return domain.StatusPendingUpload, true
	case "failed":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
