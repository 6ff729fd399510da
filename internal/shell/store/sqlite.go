package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/appship/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// SQLite writes serialize on one connection; contention shows up as
	// SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID           string  `db:"id"`
	ProjectID    string  `db:"project_id"`
	UserID       string  `db:"user_id"`
	BuildID      string  `db:"build_id"`
	Environment  string  `db:"environment"`
	Status       string  `db:"status"`
	ImageID      string  `db:"image_id"`
	ImageName    string  `db:"image_name"`
	ContainerID  string  `db:"container_id"`
	Port         int     `db:"port"`
	URL          string  `db:"url"`
	Domain       *string `db:"domain"`
	BuildLogs    *string `db:"build_logs"`
	ErrorMessage string  `db:"error_message"`
	StartedAt    string  `db:"started_at"`
	CompletedAt  *string `db:"completed_at"`
	UpdatedAt    string  `db:"updated_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	row, err := deploymentToRow(deployment)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, project_id, user_id, build_id, environment, status,
			image_id, image_name, container_id, port, url, domain,
			build_logs, error_message, started_at, completed_at, updated_at
		) VALUES (
			:id, :project_id, :user_id, :build_id, :environment, :status,
			:image_id, :image_name, :container_id, :port, :url, :domain,
			:build_logs, :error_message, :started_at, :completed_at, :updated_at
		)`

	_, err = s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return rowToDeployment(&row)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	row, err := deploymentToRow(deployment)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments SET
			project_id = :project_id,
			user_id = :user_id,
			build_id = :build_id,
			environment = :environment,
			status = :status,
			image_id = :image_id,
			image_name = :image_name,
			container_id = :container_id,
			port = :port,
			url = :url,
			domain = :domain,
			build_logs = :build_logs,
			error_message = :error_message,
			completed_at = :completed_at,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments ORDER BY started_at DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

func (s *SQLiteStore) ListDeploymentsByProject(ctx context.Context, projectID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE project_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, query, projectID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByProject", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

// =============================================================================
// Port Allocation Operations
// =============================================================================

type portAllocationRow struct {
	Port         int    `db:"port"`
	ProjectID    string `db:"project_id"`
	DeploymentID string `db:"deployment_id"`
	AllocatedAt  string `db:"allocated_at"`
}

func (s *SQLiteStore) InsertPortAllocation(ctx context.Context, alloc *domain.PortAllocation) error {
	query := `
		INSERT INTO port_allocations (port, project_id, deployment_id, allocated_at)
		VALUES (:port, :project_id, :deployment_id, :allocated_at)`

	row := map[string]any{
		"port":          alloc.Port,
		"project_id":    alloc.ProjectID,
		"deployment_id": alloc.DeploymentID,
		"allocated_at":  alloc.AllocatedAt.Format(time.RFC3339),
	}

	_, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("InsertPortAllocation", "port", fmt.Sprintf("%d", alloc.Port), "port is already allocated", ErrDuplicatePort)
		}
		return NewStoreError("InsertPortAllocation", "port", fmt.Sprintf("%d", alloc.Port), err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) DeletePortAllocation(ctx context.Context, port int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE port = ?`, port)
	if err != nil {
		return false, NewStoreError("DeletePortAllocation", "port", fmt.Sprintf("%d", port), err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

func (s *SQLiteStore) DeleteProjectPortAllocations(ctx context.Context, projectID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, NewStoreError("DeleteProjectPortAllocations", "port", projectID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

func (s *SQLiteStore) ListPortAllocations(ctx context.Context) ([]domain.PortAllocation, error) {
	var rows []portAllocationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM port_allocations ORDER BY port ASC`)
	if err != nil {
		return nil, NewStoreError("ListPortAllocations", "port", "", err.Error(), err)
	}

	allocs := make([]domain.PortAllocation, 0, len(rows))
	for _, row := range rows {
		allocatedAt, _ := time.Parse(time.RFC3339, row.AllocatedAt)
		allocs = append(allocs, domain.PortAllocation{
			Port:         row.Port,
			ProjectID:    row.ProjectID,
			DeploymentID: row.DeploymentID,
			AllocatedAt:  allocatedAt,
		})
	}
	return allocs, nil
}

func (s *SQLiteStore) IsPortAllocated(ctx context.Context, port int) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM port_allocations WHERE port = ?`, port)
	if err != nil {
		return false, NewStoreError("IsPortAllocated", "port", fmt.Sprintf("%d", port), err.Error(), err)
	}
	return count > 0, nil
}

// =============================================================================
// Job Queue Operations
// =============================================================================

type jobRow struct {
	ID           string  `db:"id"`
	Queue        string  `db:"queue"`
	Type         string  `db:"type"`
	Payload      string  `db:"payload"`
	Priority     int     `db:"priority"`
	Status       string  `db:"status"`
	Attempts     int     `db:"attempts"`
	MaxAttempts  int     `db:"max_attempts"`
	Progress     int     `db:"progress"`
	Result       *string `db:"result"`
	ErrorMessage string  `db:"error_message"`
	RunAt        string  `db:"run_at"`
	LockedBy     string  `db:"locked_by"`
	HeartbeatAt  *string `db:"heartbeat_at"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, queue, type, payload, priority, status, attempts, max_attempts,
			progress, error_message, run_at, locked_by, created_at, updated_at
		) VALUES (
			:id, :queue, :type, :payload, :priority, :status, :attempts, :max_attempts,
			:progress, :error_message, :run_at, :locked_by, :created_at, :updated_at
		)`

	row := map[string]any{
		"id":            job.ID,
		"queue":         job.Queue,
		"type":          job.Type,
		"payload":       string(job.Payload),
		"priority":      job.Priority,
		"status":        string(job.Status),
		"attempts":      job.Attempts,
		"max_attempts":  job.MaxAttempts,
		"progress":      job.Progress,
		"error_message": job.ErrorMsg,
		"run_at":        job.RunAt.UTC().Format(time.RFC3339Nano),
		"locked_by":     job.LockedBy,
		"created_at":    job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	_, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.id") {
			return NewStoreError("EnqueueJob", "job", job.ID, "job with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("EnqueueJob", "job", job.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetJob", "job", id, "job not found", ErrNotFound)
		}
		return nil, NewStoreError("GetJob", "job", id, err.Error(), err)
	}
	return rowToJob(&row)
}

// ClaimJob atomically claims the next runnable job on a queue: highest
// priority first, oldest first within a priority. The claim happens in one
// transaction so no two workers can claim the same job id.
func (s *SQLiteStore) ClaimJob(ctx context.Context, queue, workerID string) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, NewStoreError("ClaimJob", "job", "", "failed to begin transaction", ErrTxFailed)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var row jobRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM jobs
		WHERE queue = ? AND status = 'queued' AND run_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, queue, now.Format(time.RFC3339Nano))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, NewStoreError("ClaimJob", "job", "", err.Error(), err)
	}

	nowStr := now.Format(time.RFC3339Nano)
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'active',
			attempts = attempts + 1,
			locked_by = ?,
			heartbeat_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'queued'`, workerID, nowStr, nowStr, row.ID)
	if err != nil {
		return nil, NewStoreError("ClaimJob", "job", row.ID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		// Lost the race to another worker; the caller polls again.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, NewStoreError("ClaimJob", "job", row.ID, "failed to commit claim", ErrTxFailed)
	}

	row.Status = string(domain.JobActive)
	row.Attempts++
	row.LockedBy = workerID
	row.HeartbeatAt = &nowStr
	return rowToJob(&row)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, result []byte) error {
	resultStr := string(result)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', result = ?, progress = 100, locked_by = '', updated_at = ?
		WHERE id = ?`, resultStr, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return NewStoreError("CompleteJob", "job", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("CompleteJob", "job", id, "job not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errorMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error_message = ?, locked_by = '', updated_at = ?
		WHERE id = ?`, errorMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return NewStoreError("FailJob", "job", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("FailJob", "job", id, "job not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id, errorMsg string, runAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', error_message = ?, run_at = ?, locked_by = '', heartbeat_at = NULL, updated_at = ?
		WHERE id = ?`, errorMsg, runAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return NewStoreError("RetryJob", "job", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("RetryJob", "job", id, "job not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) HeartbeatJob(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND status = 'active'`, now, now, id)
	if err != nil {
		return NewStoreError("HeartbeatJob", "job", id, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		percent, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return NewStoreError("UpdateJobProgress", "job", id, err.Error(), err)
	}
	return nil
}

// RequeueStalledJobs moves active jobs whose worker stopped heartbeating
// back to queued and returns their ids.
func (s *SQLiteStore) RequeueStalledJobs(ctx context.Context, staleBefore time.Time) ([]string, error) {
	cutoff := staleBefore.UTC().Format(time.RFC3339Nano)

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM jobs WHERE status = 'active' AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, NewStoreError("RequeueStalledJobs", "job", "", err.Error(), err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', locked_by = '', heartbeat_at = NULL, run_at = ?, updated_at = ?
		WHERE status = 'active' AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`, now, now, cutoff)
	if err != nil {
		return nil, NewStoreError("RequeueStalledJobs", "job", "", err.Error(), err)
	}
	return ids, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

func deploymentToRow(d *domain.Deployment) (map[string]any, error) {
	var domainJSON *string
	if d.Domain != nil {
		raw, err := json.Marshal(d.Domain)
		if err != nil {
			return nil, NewStoreError("deploymentToRow", "deployment", d.ID, "failed to serialize domain", ErrInvalidData)
		}
		s := string(raw)
		domainJSON = &s
	}

	var logsJSON *string
	if len(d.BuildLogs) > 0 {
		raw, err := json.Marshal(d.BuildLogs)
		if err != nil {
			return nil, NewStoreError("deploymentToRow", "deployment", d.ID, "failed to serialize build logs", ErrInvalidData)
		}
		s := string(raw)
		logsJSON = &s
	}

	var completedAt *string
	if d.CompletedAt != nil {
		s := d.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &s
	}

	return map[string]any{
		"id":            d.ID,
		"project_id":    d.ProjectID,
		"user_id":       d.UserID,
		"build_id":      d.BuildID,
		"environment":   d.Environment,
		"status":        string(d.Status),
		"image_id":      d.ImageID,
		"image_name":    d.ImageName,
		"container_id":  d.ContainerID,
		"port":          d.Port,
		"url":           d.URL,
		"domain":        domainJSON,
		"build_logs":    logsJSON,
		"error_message": d.ErrorMsg,
		"started_at":    d.StartedAt.UTC().Format(time.RFC3339),
		"completed_at":  completedAt,
		"updated_at":    d.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	var completedAt *time.Time
	if row.CompletedAt != nil && *row.CompletedAt != "" {
		t, _ := time.Parse(time.RFC3339, *row.CompletedAt)
		completedAt = &t
	}

	var customDomain *domain.CustomDomain
	if row.Domain != nil && *row.Domain != "" && *row.Domain != "null" {
		if err := json.Unmarshal([]byte(*row.Domain), &customDomain); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse domain", ErrInvalidData)
		}
	}

	var buildLogs []string
	if row.BuildLogs != nil && *row.BuildLogs != "" && *row.BuildLogs != "null" {
		if err := json.Unmarshal([]byte(*row.BuildLogs), &buildLogs); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse build logs", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:          row.ID,
		ProjectID:   row.ProjectID,
		UserID:      row.UserID,
		BuildID:     row.BuildID,
		Environment: row.Environment,
		Status:      domain.DeploymentStatus(row.Status),
		ImageID:     row.ImageID,
		ImageName:   row.ImageName,
		ContainerID: row.ContainerID,
		Port:        row.Port,
		URL:         row.URL,
		Domain:      customDomain,
		BuildLogs:   buildLogs,
		ErrorMsg:    row.ErrorMessage,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		deployment, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, nil
}

func rowToJob(row *jobRow) (*domain.Job, error) {
	runAt, _ := time.Parse(time.RFC3339Nano, row.RunAt)
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)

	var heartbeatAt *time.Time
	if row.HeartbeatAt != nil && *row.HeartbeatAt != "" {
		t, _ := time.Parse(time.RFC3339Nano, *row.HeartbeatAt)
		heartbeatAt = &t
	}

	var result json.RawMessage
	if row.Result != nil && *row.Result != "" {
		result = json.RawMessage(*row.Result)
	}

	return &domain.Job{
		ID:          row.ID,
		Queue:       row.Queue,
		Type:        row.Type,
		Payload:     json.RawMessage(row.Payload),
		Priority:    row.Priority,
		Status:      domain.JobStatus(row.Status),
		Attempts:    row.Attempts,
		MaxAttempts: row.MaxAttempts,
		Progress:    row.Progress,
		Result:      result,
		ErrorMsg:    row.ErrorMessage,
		RunAt:       runAt,
		LockedBy:    row.LockedBy,
		HeartbeatAt: heartbeatAt,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}
