package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository"
)

// Repository is a keyed in-memory deployment store used for local runs and tests.
type Repository struct {
	mu          sync.Mutex
	deployments map[string]entry
	seq         int64
	now         func() time.Time
}

type entry struct {
	seq        int64
	deployment domain.Deployment
}

var _ repository.DeploymentRepository = (*Repository)(nil)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{deployments: make(map[string]entry), now: time.Now}
}

// SetClock overrides the time source used for UpdatedAt.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// CreateDeployment stores a copy of the deployment.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[deployment.ID]; exists {
		return repository.ErrConflict
	}
	if !deployment.Status.IsTerminal() {
		for _, e := range r.deployments {
			if e.deployment.ProjectID == deployment.ProjectID && !e.deployment.IsTerminal() {
				return repository.ErrConflict
			}
		}
	}
	r.seq++
	r.deployments[deployment.ID] = entry{seq: r.seq, deployment: *deployment}
	return nil
}

// GetDeploymentByID returns a copy of the stored deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d := e.deployment
	return &d, nil
}

// ListDeployments returns matching deployments in creation order.
func (r *Repository) ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sorted(func(d domain.Deployment) bool { return filter.Matches(d) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.Deployment, 0, len(entries))
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		out = append(out, e.deployment)
	}
	return out, nil
}

// TransitionDeployment applies the write only when the stored status equals t.From.
func (r *Repository) TransitionDeployment(ctx context.Context, t domain.DeploymentTransition) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.deployments[t.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.deployment.Status != t.From {
		return nil, repository.ErrConflict
	}
	d := e.deployment
	d.Status = t.To
	if t.Fields.ContentAddress != "" {
		d.ContentAddress = t.Fields.ContentAddress
	}
	if t.Fields.NamingTxRef != "" {
		d.NamingTxRef = t.Fields.NamingTxRef
	}
	if t.Fields.ArtifactRef != "" {
		d.ArtifactRef = t.Fields.ArtifactRef
	}
	if t.Fields.ErrorMessage != "" {
		d.ErrorMessage = t.Fields.ErrorMessage
	}
	if t.CompletedAt != nil && d.CompletedAt == nil {
		completed := *t.CompletedAt
		d.CompletedAt = &completed
	}
	d.UpdatedAt = r.now().UTC()
	e.deployment = d
	r.deployments[t.DeploymentID] = e
	return &d, nil
}

// LatestTerminalDeployment returns the newest terminal deployment of a project.
func (r *Repository) LatestTerminalDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sorted(func(d domain.Deployment) bool {
		return d.ProjectID == projectID && d.IsTerminal()
	})
	if len(entries) == 0 {
		return nil, repository.ErrNotFound
	}
	d := entries[len(entries)-1].deployment
	return &d, nil
}

// HasActiveDeployment reports whether the project has a non-terminal deployment.
func (r *Repository) HasActiveDeployment(ctx context.Context, projectID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.deployments {
		if e.deployment.ProjectID == projectID && !e.deployment.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// ListDeploymentsWithStatusUpdatedBefore returns deployments idle in status since before the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.Status, updatedBefore time.Time) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sorted(func(d domain.Deployment) bool {
		return d.Status == status && d.UpdatedAt.Before(updatedBefore)
	})
	out := make([]domain.Deployment, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.deployment)
	}
	return out, nil
}

func (r *Repository) sorted(keep func(domain.Deployment) bool) []entry {
	out := make([]entry, 0, len(r.deployments))
	for _, e := range r.deployments {
		if keep(e.deployment) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
