package repository

import (
	"context"
	"time"

	"github.com/splax/filify/internal/domain"
)

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error)
	// TransitionDeployment applies the write only while the stored status equals
	// transition.From and returns ErrConflict otherwise.
	TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (*domain.Deployment, error)
	LatestTerminalDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	HasActiveDeployment(ctx context.Context, projectID string) (bool, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.Status, updatedBefore time.Time) ([]domain.Deployment, error)
}
