package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/filify/internal/chain"
	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository"
)

var (
	// ErrProjectBusy is returned when a project already has a non-terminal deployment.
	ErrProjectBusy = errors.New("project already has an active deployment")
	// ErrInvalidInput flags request payloads that fail validation before any write.
	ErrInvalidInput = errors.New("invalid deployment input")
)

// conflictRetries bounds how often Cancel and MarkFailed re-read a record that
// moved underneath them.
const conflictRetries = 3

// EventPublisher receives every deployment change.
type EventPublisher interface {
	Publish(event domain.Event)
}

// Builder dispatches build work and stops running builds.
type Builder interface {
	Dispatch(ctx context.Context, deployment domain.Deployment) error
	Cancel(ctx context.Context, deploymentID string) (bool, error)
}

// ReceiptChecker resolves the on-chain outcome of a naming transaction.
type ReceiptChecker interface {
	Check(ctx context.Context, txRef string) (chain.Outcome, error)
}

// Service is the record store: it owns deployment creation and every status write.
type Service struct {
	deployments repository.DeploymentRepository
	builder     Builder
	receipts    ReceiptChecker
	events      EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a deployment service. builder, receipts and events may be nil.
func New(deployments repository.DeploymentRepository, builder Builder, receipts ReceiptChecker, events EventPublisher, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		deployments: deployments,
		builder:     builder,
		receipts:    receipts,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateInput describes a deployment request.
type CreateInput struct {
	ProjectID          string         `json:"project_id"`
	TriggeredBy        domain.Trigger `json:"triggered_by"`
	CommitRef          string         `json:"commit_ref"`
	CommitMessage      string         `json:"commit_message"`
	ArtifactRef        string         `json:"artifact_ref"`
	ResumeFromPrevious bool           `json:"resume_from_previous"`
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Deployment *domain.Deployment `json:"deployment"`
	Killed     bool               `json:"killed"`
}

// ConfirmResult reports whether the naming transaction is final.
type ConfirmResult struct {
	Deployment *domain.Deployment `json:"deployment"`
	Verified   bool               `json:"verified"`
}

// Create stores a new deployment. With ResumeFromPrevious the starting stage is
// seeded from the latest terminal deployment of the project so finished work
// is not repeated.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Deployment, error) {
	projectID := strings.TrimSpace(in.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", ErrInvalidInput)
	}
	trigger := in.TriggeredBy
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	if !trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, in.TriggeredBy)
	}

	busy, err := s.deployments.HasActiveDeployment(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("check active deployment: %w", err)
	}
	if busy {
		return nil, ErrProjectBusy
	}

	status := domain.StatusPendingBuild
	fields := domain.DeploymentFields{ArtifactRef: strings.TrimSpace(in.ArtifactRef)}
	if fields.ArtifactRef != "" {
		status = domain.StatusPendingUpload
	}
	if in.ResumeFromPrevious {
		status, fields, err = s.seedFromPrevious(ctx, projectID, status, fields)
		if err != nil {
			return nil, err
		}
	}
	if err := domain.ValidateEntry(status, fields); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Status:         status,
		ContentAddress: fields.ContentAddress,
		ArtifactRef:    fields.ArtifactRef,
		TriggeredBy:    trigger,
		CommitRef:      strings.TrimSpace(in.CommitRef),
		CommitMessage:  strings.TrimSpace(in.CommitMessage),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrProjectBusy
		}
		return nil, err
	}
	s.logger.Info("deployment created", "deployment_id", deployment.ID, "project_id", projectID, "status", status, "triggered_by", trigger)
	s.publish(domain.EventCreated, "", *deployment)

	if status == domain.StatusPendingBuild && s.builder != nil {
		if err := s.builder.Dispatch(ctx, *deployment); err != nil {
			s.logger.Error("builder dispatch failed", "deployment_id", deployment.ID, "error", err)
			failed, ferr := s.MarkFailed(ctx, deployment.ID, "failed to contact builder: "+err.Error())
			if ferr != nil {
				return nil, ferr
			}
			return failed, nil
		}
	}
	return deployment, nil
}

func (s Service) seedFromPrevious(ctx context.Context, projectID string, status domain.Status, fields domain.DeploymentFields) (domain.Status, domain.DeploymentFields, error) {
	previous, err := s.deployments.LatestTerminalDeployment(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return status, fields, nil
	}
	if err != nil {
		return status, fields, fmt.Errorf("load previous deployment: %w", err)
	}
	switch {
	case previous.ContentAddress != "":
		fields.ContentAddress = previous.ContentAddress
		if fields.ArtifactRef == "" {
			fields.ArtifactRef = previous.ArtifactRef
		}
		return domain.StatusAwaitingSignature, fields, nil
	case previous.ArtifactRef != "":
		if fields.ArtifactRef == "" {
			fields.ArtifactRef = previous.ArtifactRef
		}
		return domain.StatusPendingUpload, fields, nil
	default:
		return status, fields, nil
	}
}

// Get returns a single deployment.
func (s Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, id)
}

// List returns deployments matching the filter in creation order.
func (s Service) List(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
		}
	}
	return s.deployments.ListDeployments(ctx, filter)
}

// UpdateStatus validates and applies a status change against the stored record.
func (s Service) UpdateStatus(ctx context.Context, id string, to domain.Status, fields domain.DeploymentFields) (*domain.Deployment, error) {
	current, err := s.deployments.GetDeploymentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, *current, to, fields)
}

// Cancel moves a non-terminal deployment to cancelled and asks the builder to
// stop any running build stage.
func (s Service) Cancel(ctx context.Context, id string) (CancelResult, error) {
	var (
		updated  *domain.Deployment
		previous domain.Status
	)
	err := s.retryOnConflict(ctx, id, func(current domain.Deployment) error {
		previous = current.Status
		var err error
		updated, err = s.transition(ctx, current, domain.StatusCancelled, domain.DeploymentFields{})
		return err
	})
	if err != nil {
		return CancelResult{}, err
	}
	result := CancelResult{Deployment: updated}
	if s.builder != nil && isBuildStage(previous) {
		killed, err := s.builder.Cancel(ctx, id)
		if err != nil {
			s.logger.Warn("builder cancel failed", "deployment_id", id, "error", err)
		}
		result.Killed = killed
	}
	return result, nil
}

// MarkFailed moves a non-terminal deployment to failed with message.
func (s Service) MarkFailed(ctx context.Context, id, message string) (*domain.Deployment, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: failure message required", ErrInvalidInput)
	}
	var updated *domain.Deployment
	err := s.retryOnConflict(ctx, id, func(current domain.Deployment) error {
		var err error
		updated, err = s.transition(ctx, current, domain.StatusFailed, domain.DeploymentFields{ErrorMessage: message})
		return err
	})
	return updated, err
}

// Confirm records the signed naming transaction and checks it once. Reporting
// the same transaction again is harmless.
func (s Service) Confirm(ctx context.Context, id, txRef string) (ConfirmResult, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return ConfirmResult{}, fmt.Errorf("%w: transaction reference required", ErrInvalidInput)
	}
	current, err := s.deployments.GetDeploymentByID(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	switch {
	case current.Status == domain.StatusSuccess && current.NamingTxRef == txRef:
		return ConfirmResult{Deployment: current, Verified: true}, nil
	case current.Status == domain.StatusAwaitingConfirmation && current.NamingTxRef == txRef:
	default:
		current, err = s.transition(ctx, *current, domain.StatusAwaitingConfirmation, domain.DeploymentFields{NamingTxRef: txRef})
		if err != nil {
			return ConfirmResult{}, err
		}
	}
	return s.Reconcile(ctx, *current)
}

// Reconcile checks the receipt of a deployment awaiting confirmation and
// finalizes it when the chain has an answer.
func (s Service) Reconcile(ctx context.Context, d domain.Deployment) (ConfirmResult, error) {
	result := ConfirmResult{Deployment: &d}
	if d.Status != domain.StatusAwaitingConfirmation || s.receipts == nil {
		return result, nil
	}
	outcome, err := s.receipts.Check(ctx, d.NamingTxRef)
	if err != nil {
		s.logger.Warn("receipt check failed", "deployment_id", d.ID, "tx", d.NamingTxRef, "error", err)
		return result, nil
	}
	switch outcome {
	case chain.OutcomeSuccess:
		updated, err := s.transition(ctx, d, domain.StatusSuccess, domain.DeploymentFields{})
		if err != nil {
			return result, err
		}
		return ConfirmResult{Deployment: updated, Verified: true}, nil
	case chain.OutcomeReverted:
		updated, err := s.transition(ctx, d, domain.StatusFailed, domain.DeploymentFields{ErrorMessage: "naming transaction reverted"})
		if err != nil {
			return result, err
		}
		return ConfirmResult{Deployment: updated}, nil
	default:
		return result, nil
	}
}

func (s Service) transition(ctx context.Context, current domain.Deployment, to domain.Status, fields domain.DeploymentFields) (*domain.Deployment, error) {
	if err := domain.ValidateTransition(current, to, fields); err != nil {
		return nil, err
	}
	t := domain.DeploymentTransition{
		DeploymentID: current.ID,
		From:         current.Status,
		To:           to,
		Fields:       fields,
	}
	if to.IsTerminal() {
		completed := s.now().UTC()
		t.CompletedAt = &completed
	}
	updated, err := s.deployments.TransitionDeployment(ctx, t)
	if err != nil {
		return nil, err
	}
	s.logger.Info("deployment transition", "deployment_id", current.ID, "from", current.Status, "to", to)
	s.publish(domain.EventTransition, current.Status, *updated)
	return updated, nil
}

func (s Service) retryOnConflict(ctx context.Context, id string, apply func(domain.Deployment) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		var current *domain.Deployment
		current, err = s.deployments.GetDeploymentByID(ctx, id)
		if err != nil {
			return err
		}
		err = apply(*current)
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
	}
	return err
}

func (s Service) publish(eventType string, previous domain.Status, d domain.Deployment) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.Event{Type: eventType, Previous: previous, Deployment: d, At: s.now().UTC()})
}

func isBuildStage(status domain.Status) bool {
	return status == domain.StatusPendingBuild || status == domain.StatusCloning || status == domain.StatusBuilding
}
