package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.DeploymentRepository = (*Repository)(nil)

const deploymentColumns = `id, project_id, status, content_address, naming_tx_ref, artifact_ref, triggered_by,
	commit_ref, commit_message, error_message, created_at, updated_at, completed_at`

const (
	defaultListLimit = 50
	uniqueViolation  = "23505"
)

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, content_address, naming_tx_ref, artifact_ref, triggered_by,
			commit_ref, commit_message, error_message, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		emptyToNil(deployment.ContentAddress),
		emptyToNil(deployment.NamingTxRef),
		emptyToNil(deployment.ArtifactRef),
		string(deployment.TriggeredBy),
		emptyToNil(deployment.CommitRef),
		emptyToNil(deployment.CommitMessage),
		emptyToNil(deployment.ErrorMessage),
		deployment.CreatedAt,
		deployment.UpdatedAt,
		timePtrToNil(deployment.CompletedAt),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeployments returns deployments matching the filter, oldest first so that
// stalled records are picked up in the order they were created.
func (r *Repository) ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))
	return r.queryDeployments(ctx, query, args...)
}

// TransitionDeployment performs a compare-and-set status write.
func (r *Repository) TransitionDeployment(ctx context.Context, t domain.DeploymentTransition) (*domain.Deployment, error) {
	query := `UPDATE deployments
		SET status = $3,
			content_address = COALESCE($4, content_address),
			naming_tx_ref = COALESCE($5, naming_tx_ref),
			artifact_ref = COALESCE($6, artifact_ref),
			error_message = COALESCE($7, error_message),
			completed_at = COALESCE($8, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query,
		t.DeploymentID,
		string(t.From),
		string(t.To),
		emptyToNil(t.Fields.ContentAddress),
		emptyToNil(t.Fields.NamingTxRef),
		emptyToNil(t.Fields.ArtifactRef),
		emptyToNil(t.Fields.ErrorMessage),
		timePtrToNil(t.CompletedAt),
	)
	d, err := scanDeployment(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, getErr := r.GetDeploymentByID(ctx, t.DeploymentID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

// LatestTerminalDeployment returns the newest finished deployment of a project.
func (r *Repository) LatestTerminalDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND status IN ('success', 'failed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// HasActiveDeployment reports whether a project has a deployment in a non-terminal status.
func (r *Repository) HasActiveDeployment(ctx context.Context, projectID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM deployments WHERE project_id = $1 AND status NOT IN ('success', 'failed', 'cancelled'))`
	var active bool
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&active); err != nil {
		return false, err
	}
	return active, nil
}

// ListDeploymentsWithStatusUpdatedBefore returns deployments stuck in a status since before the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.Status, updatedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	return r.queryDeployments(ctx, query, string(status), updatedBefore)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d              domain.Deployment
		status         string
		triggeredBy    string
		contentAddress sql.NullString
		namingTxRef    sql.NullString
		artifactRef    sql.NullString
		commitRef      sql.NullString
		commitMessage  sql.NullString
		errorMessage   sql.NullString
		completedAt    sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &contentAddress, &namingTxRef, &artifactRef, &triggeredBy,
		&commitRef, &commitMessage, &errorMessage, &d.CreatedAt, &d.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	d.Status = domain.Status(status)
	d.TriggeredBy = domain.Trigger(triggeredBy)
	d.ContentAddress = contentAddress.String
	d.NamingTxRef = namingTxRef.String
	d.ArtifactRef = artifactRef.String
	d.CommitRef = commitRef.String
	d.CommitMessage = commitMessage.String
	d.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		value := completedAt.Time.UTC()
		d.CompletedAt = &value
	}
	return &d, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
