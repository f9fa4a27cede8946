package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository"
	"github.com/splax/filify/internal/service/deploy"
	"github.com/splax/filify/pkg/config"
)

const (
	defaultInterval  = 15 * time.Second
	reconcileTimeout = 15 * time.Second
	pendingBatch     = 100
)

// Finalizer applies receipt outcomes and failure writes through the record store.
type Finalizer interface {
	Reconcile(ctx context.Context, d domain.Deployment) (deploy.ConfirmResult, error)
	MarkFailed(ctx context.Context, id, message string) (*domain.Deployment, error)
}

// Watcher finishes naming confirmations and expires deployments stuck in a stage.
type Watcher struct {
	deployments repository.DeploymentRepository
	finalizer   Finalizer
	logger      *slog.Logger

	interval      time.Duration
	confirmTTL    time.Duration
	buildStageTTL time.Duration

	now func() time.Time
}

// New constructs a watcher. It returns nil when there is nothing to watch with.
func New(deployments repository.DeploymentRepository, finalizer Finalizer, logger *slog.Logger, cfg config.APIConfig) *Watcher {
	if deployments == nil || finalizer == nil {
		return nil
	}
	interval := cfg.ConfirmInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		deployments:   deployments,
		finalizer:     finalizer,
		logger:        logger.With("component", "confirm"),
		interval:      interval,
		confirmTTL:    cfg.ConfirmTTL,
		buildStageTTL: cfg.BuildStageTTL,
		now:           time.Now,
	}
}

// Run executes the watch loop until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("confirmation watcher started", "interval", w.interval)
	w.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("confirmation watcher stopped")
			return
		case <-ticker.C:
			w.runIteration(ctx)
		}
	}
}

func (w *Watcher) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if w.interval < timeout {
		timeout = w.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	now := w.now()
	w.handleConfirmations(opCtx, now)
	w.handleStuckBuilds(opCtx, now)
}

func (w *Watcher) handleConfirmations(ctx context.Context, now time.Time) {
	pending, err := w.deployments.ListDeployments(ctx, domain.DeploymentFilter{
		Statuses: []domain.Status{domain.StatusAwaitingConfirmation},
		Limit:    pendingBatch,
	})
	if err != nil {
		w.logger.Warn("failed to list pending confirmations", "error", err)
		return
	}
	for _, dep := range pending {
		if w.confirmTTL > 0 && dep.UpdatedAt.Before(now.Add(-w.confirmTTL)) {
			msg := fmt.Sprintf("naming transaction %s not confirmed within %s", dep.NamingTxRef, formatDuration(w.confirmTTL))
			w.fail(ctx, dep, msg)
			continue
		}
		result, err := w.finalizer.Reconcile(ctx, dep)
		if err != nil {
			w.logger.Warn("failed to reconcile confirmation", "deployment_id", dep.ID, "error", err)
			continue
		}
		if result.Deployment != nil && result.Deployment.Status != dep.Status {
			w.logger.Info("confirmation resolved", "deployment_id", dep.ID, "status", result.Deployment.Status)
		}
	}
}

func (w *Watcher) handleStuckBuilds(ctx context.Context, now time.Time) {
	if w.buildStageTTL <= 0 {
		return
	}
	cutoff := now.Add(-w.buildStageTTL)
	for _, status := range []domain.Status{domain.StatusCloning, domain.StatusBuilding} {
		stale, err := w.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx, status, cutoff)
		if err != nil {
			w.logger.Warn("failed to list stale deployments", "status", status, "error", err)
			continue
		}
		for _, dep := range stale {
			w.fail(ctx, dep, fmt.Sprintf("%s timed out after %s", status, formatDuration(w.buildStageTTL)))
		}
	}
}

func (w *Watcher) fail(ctx context.Context, dep domain.Deployment, msg string) {
	if _, err := w.finalizer.MarkFailed(ctx, dep.ID, msg); err != nil {
		w.logger.Warn("failed to expire deployment", "deployment_id", dep.ID, "status", dep.Status, "error", err)
		return
	}
	w.logger.Info("deployment marked failed after timeout", "deployment_id", dep.ID, "project_id", dep.ProjectID, "status", dep.Status)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
