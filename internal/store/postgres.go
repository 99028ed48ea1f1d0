package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"compute-orchestrator/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence. All multi-row
// operations run in a single transaction; concurrent claimers are isolated by
// FOR UPDATE SKIP LOCKED row locking, not by in-process mutexes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SubmitTask inserts a waiting record with its attached task atomically.
func (s *PostgresStore) SubmitTask(ctx context.Context, spec TaskSpec) (models.Record, error) {
	if spec.ComputeTag == "" {
		spec.ComputeTag = "default"
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rec, err := insertTaskRecord(ctx, tx, spec)
	if err != nil {
		return models.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// insertTaskRecord is shared between direct submission and service SpawnTask.
func insertTaskRecord(ctx context.Context, tx pgx.Tx, spec TaskSpec) (models.Record, error) {
	recordID := uuid.New().String()
	now := time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO records (id, is_service, status, created_at, updated_at)
		VALUES ($1, FALSE, $2, $3, $3)
	`, recordID, models.RecordWaiting, now)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert record: %w", err)
	}
	kwargs := spec.FunctionKwargs
	if len(kwargs) == 0 {
		kwargs = []byte("{}")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, record_id, compute_tag, priority, required_programs, function, function_kwargs, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), recordID, spec.ComputeTag, spec.Priority, spec.RequiredPrograms, spec.Function, kwargs, now)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert task: %w", err)
	}
	return models.Record{ID: recordID, Status: models.RecordWaiting, CreatedAt: now, UpdatedAt: now}, nil
}

// SubmitService inserts a waiting record with its attached service atomically.
func (s *PostgresStore) SubmitService(ctx context.Context, spec ServiceSpec) (models.Record, error) {
	if spec.ComputeTag == "" {
		spec.ComputeTag = "default"
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	recordID := uuid.New().String()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO records (id, is_service, status, created_at, updated_at)
		VALUES ($1, TRUE, $2, $3, $3)
	`, recordID, models.RecordWaiting, now)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert record: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO services (id, record_id, kind, compute_tag, priority, service_state, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), recordID, spec.Kind, spec.ComputeTag, spec.Priority, spec.State, now)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert service: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Record{}, fmt.Errorf("commit: %w", err)
	}
	return models.Record{ID: recordID, IsService: true, Status: models.RecordWaiting, CreatedAt: now, UpdatedAt: now}, nil
}

// GetRecord fetches a record by id.
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (models.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, is_service, status, manager_name, created_at, updated_at
		FROM records WHERE id = $1
	`, id)
	var rec models.Record
	var mgr pgtype.Text
	if err := row.Scan(&rec.ID, &rec.IsService, &rec.Status, &mgr, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Record{}, ErrNotFound
		}
		return models.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.ManagerName = textPtr(mgr)
	return rec, nil
}

// GetHistory returns compute history entries for a record, oldest first.
func (s *PostgresStore) GetHistory(ctx context.Context, recordID string) ([]models.ComputeHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, status, COALESCE(manager_name, ''), modified_on, COALESCE(provenance, ''), outputs
		FROM compute_history WHERE record_id = $1 ORDER BY id ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []models.ComputeHistoryEntry
	for rows.Next() {
		var h models.ComputeHistoryEntry
		if err := rows.Scan(&h.RecordID, &h.Status, &h.ManagerName, &h.ModifiedOn, &h.Provenance, &h.Outputs); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SoftDeleteRecord marks the record deleted while preserving history. The
// attached task or service row is removed so it can no longer be scheduled.
func (s *PostgresStore) SoftDeleteRecord(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE records SET status = $2, manager_name = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.RecordDeleted)
	if err != nil {
		return fmt.Errorf("soft delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE record_id = $1`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM services WHERE record_id = $1`, id); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteRecord removes the record; tasks, services, dependencies and history
// cascade at the schema level.
func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTasks atomically selects, locks and assigns up to limit matching tasks.
// SKIP LOCKED makes concurrent claimers invisible to each other: the losing
// claimer simply receives fewer or zero tasks.
func (s *PostgresStore) ClaimTasks(ctx context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	available := make([]string, 0, len(programs))
	for p := range programs {
		available = append(available, p)
	}
	wildcard := false
	for _, t := range tags {
		if t == models.WildcardTag {
			wildcard = true
			break
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT t.id, t.record_id, t.compute_tag, t.priority, t.required_programs, t.function, t.function_kwargs, t.created_on
		FROM tasks t
		JOIN records r ON r.id = t.record_id
		WHERE r.status = $1
		  AND (t.compute_tag = ANY($2) OR $3)
		  AND t.required_programs <@ $4
		ORDER BY t.priority DESC, t.created_on ASC
		LIMIT $5
		FOR UPDATE OF t SKIP LOCKED
	`, models.RecordWaiting, tags, wildcard, available, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	var claimed []models.Task
	recordIDs := make([]string, 0, limit)
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.RecordID, &t.ComputeTag, &t.Priority, &t.RequiredPrograms, &t.Function, &t.FunctionKwargs, &t.CreatedOn); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		claimed = append(claimed, t)
		recordIDs = append(recordIDs, t.RecordID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable: %w", err)
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE records SET status = $1, manager_name = $2, updated_at = NOW() WHERE id = ANY($3)
	`, models.RecordRunning, managerName, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("mark records running: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE managers SET claimed_tasks = claimed_tasks + $2, last_seen = NOW() WHERE name = $1
	`, managerName, len(claimed))
	if err != nil {
		return nil, fmt.Errorf("bump manager claim count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// ReturnTasks stores results for tasks still owned by the manager, finalizing
// their records, and rejects the rest. Accepted entries commit together;
// rejections never fail the batch.
func (s *PostgresStore) ReturnTasks(ctx context.Context, managerName string, results map[string]models.TaskResult) (models.TaskReturnMetadata, error) {
	var meta models.TaskReturnMetadata
	if len(results) == 0 {
		return meta, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return meta, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for taskID, res := range results {
		var recordID string
		var owner pgtype.Text
		err := tx.QueryRow(ctx, `
			SELECT t.record_id, r.manager_name
			FROM tasks t JOIN records r ON r.id = t.record_id
			WHERE t.id = $1
			FOR UPDATE
		`, taskID).Scan(&recordID, &owner)
		if errors.Is(err, pgx.ErrNoRows) {
			meta.Rejected = append(meta.Rejected, models.TaskRejection{TaskID: taskID, Reason: RejectNotOwned})
			continue
		}
		if err != nil {
			return meta, fmt.Errorf("lock task %s: %w", taskID, err)
		}
		if !owner.Valid || owner.String != managerName {
			meta.Rejected = append(meta.Rejected, models.TaskRejection{TaskID: taskID, Reason: RejectNotOwned})
			continue
		}

		status := models.RecordComplete
		if !res.Success {
			status = models.RecordError
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO compute_history (record_id, status, manager_name, modified_on, provenance, outputs)
			VALUES ($1, $2, $3, NOW(), $4, $5)
		`, recordID, status, managerName, res.Provenance, res.Payload)
		if err != nil {
			return meta, fmt.Errorf("insert history for %s: %w", taskID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
			return meta, fmt.Errorf("delete task %s: %w", taskID, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE records SET status = $2, updated_at = NOW() WHERE id = $1
		`, recordID, status)
		if err != nil {
			return meta, fmt.Errorf("finalize record %s: %w", recordID, err)
		}
		meta.AcceptedIDs = append(meta.AcceptedIDs, taskID)
		if meta.AcceptedRecords == nil {
			meta.AcceptedRecords = make(map[string]string)
		}
		meta.AcceptedRecords[taskID] = recordID
	}

	if len(meta.AcceptedIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE managers SET returned_tasks = returned_tasks + $2, last_seen = NOW() WHERE name = $1
		`, managerName, len(meta.AcceptedIDs))
		if err != nil {
			return meta, fmt.Errorf("bump manager return count: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TaskReturnMetadata{}, fmt.Errorf("commit return: %w", err)
	}
	return meta, nil
}

// ResetTasks releases every running task owned by the manager back to waiting
// so another manager can claim it.
func (s *PostgresStore) ResetTasks(ctx context.Context, managerName string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE records r SET status = $1, manager_name = NULL, updated_at = NOW()
		FROM tasks t
		WHERE t.record_id = r.id AND r.manager_name = $2 AND r.status = $3
	`, models.RecordWaiting, managerName, models.RecordRunning)
	if err != nil {
		return 0, fmt.Errorf("reset tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PromoteServices admits waiting services up to the maxActive bound, ordered by
// priority then creation, and marks their records running.
func (s *PostgresStore) PromoteServices(ctx context.Context, maxActive int) ([]models.Service, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var running int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM services s JOIN records r ON r.id = s.record_id WHERE r.status = $1
	`, models.RecordRunning).Scan(&running)
	if err != nil {
		return nil, fmt.Errorf("count running services: %w", err)
	}
	slots := maxActive - running
	if slots <= 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
		SELECT s.id, s.record_id, s.kind, s.compute_tag, s.priority, s.service_state, s.created_on
		FROM services s JOIN records r ON r.id = s.record_id
		WHERE r.status = $1
		ORDER BY s.priority DESC, s.created_on ASC
		LIMIT $2
		FOR UPDATE OF s SKIP LOCKED
	`, models.RecordWaiting, slots)
	if err != nil {
		return nil, fmt.Errorf("select waiting services: %w", err)
	}
	promoted, recordIDs, err := scanServices(rows)
	if err != nil {
		return nil, err
	}
	if len(promoted) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE records SET status = $1, updated_at = NOW() WHERE id = ANY($2)
	`, models.RecordRunning, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("mark service records running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit promote: %w", err)
	}
	return promoted, nil
}

// ListRunningServices returns services whose records are currently running.
func (s *PostgresStore) ListRunningServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.record_id, s.kind, s.compute_tag, s.priority, s.service_state, s.created_on
		FROM services s JOIN records r ON r.id = s.record_id
		WHERE r.status = $1
		ORDER BY s.priority DESC, s.created_on ASC
	`, models.RecordRunning)
	if err != nil {
		return nil, fmt.Errorf("query running services: %w", err)
	}
	svcs, _, err := scanServices(rows)
	return svcs, err
}

func scanServices(rows pgx.Rows) ([]models.Service, []string, error) {
	defer rows.Close()
	var svcs []models.Service
	var recordIDs []string
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ID, &svc.RecordID, &svc.Kind, &svc.ComputeTag, &svc.Priority, &svc.State, &svc.CreatedOn); err != nil {
			return nil, nil, fmt.Errorf("scan service: %w", err)
		}
		svcs = append(svcs, svc)
		recordIDs = append(recordIDs, svc.RecordID)
	}
	return svcs, recordIDs, rows.Err()
}

// ServiceDependencyStatuses returns the current status of every dependency of
// the service, used by the sweep to decide whether it may iterate.
func (s *PostgresStore) ServiceDependencyStatuses(ctx context.Context, serviceID string) ([]models.DependencyStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.record_id, d.extras, r.status
		FROM service_dependencies d JOIN records r ON r.id = d.record_id
		WHERE d.service_id = $1
		ORDER BY d.extras ASC
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("query dependency statuses: %w", err)
	}
	defer rows.Close()
	var out []models.DependencyStatus
	for rows.Next() {
		var d models.DependencyStatus
		if err := rows.Scan(&d.RecordID, &d.Extras, &d.Status); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkServiceError finalizes the owning record as errored, records a history
// entry and deletes the service row. Used both when a dependency errors and
// after a failed iteration has been rolled back.
func (s *PostgresStore) MarkServiceError(ctx context.Context, serviceID, provenance, message string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var recordID string
	err = tx.QueryRow(ctx, `
		SELECT record_id FROM services WHERE id = $1 FOR UPDATE
	`, serviceID).Scan(&recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock service: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO compute_history (record_id, status, modified_on, provenance, outputs)
		VALUES ($1, $2, NOW(), $3, $4)
	`, recordID, models.RecordError, provenance, []byte(message))
	if err != nil {
		return fmt.Errorf("insert error history: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE records SET status = $2, updated_at = NOW() WHERE id = $1
	`, recordID, models.RecordError)
	if err != nil {
		return fmt.Errorf("mark record error: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM services WHERE id = $1`, serviceID); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return tx.Commit(ctx)
}

// BeginServiceIteration opens a transaction holding the service row FOR UPDATE
// for the duration of one iteration attempt. Concurrent attempts for the same
// service block here; different services are unaffected.
func (s *PostgresStore) BeginServiceIteration(ctx context.Context, serviceID string) (ServiceIteration, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	var svc models.Service
	var initialized bool
	err = tx.QueryRow(ctx, `
		SELECT id, record_id, kind, compute_tag, priority, service_state, initialized, created_on
		FROM services WHERE id = $1
		FOR UPDATE
	`, serviceID).Scan(&svc.ID, &svc.RecordID, &svc.Kind, &svc.ComputeTag, &svc.Priority, &svc.State, &initialized, &svc.CreatedOn)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock service: %w", err)
	}
	return &pgIteration{tx: tx, svc: svc, initialized: initialized}, nil
}

type pgIteration struct {
	tx          pgx.Tx
	svc         models.Service
	initialized bool

	stateDirty bool
	newState   []byte
	markInit   bool
	completed  bool
}

func (it *pgIteration) Service() models.Service { return it.svc }
func (it *pgIteration) Initialized() bool       { return it.initialized }

func (it *pgIteration) SetState(state []byte) {
	it.newState = state
	it.stateDirty = true
}

func (it *pgIteration) MarkInitialized() { it.markInit = true }

func (it *pgIteration) DependencyOutputs(ctx context.Context) ([]DependencyOutput, error) {
	rows, err := it.tx.Query(ctx, `
		SELECT d.record_id, d.extras, r.status,
		       (SELECT h.outputs FROM compute_history h WHERE h.record_id = d.record_id ORDER BY h.id DESC LIMIT 1)
		FROM service_dependencies d JOIN records r ON r.id = d.record_id
		WHERE d.service_id = $1
		ORDER BY d.extras ASC
	`, it.svc.ID)
	if err != nil {
		return nil, fmt.Errorf("query dependency outputs: %w", err)
	}
	defer rows.Close()
	var out []DependencyOutput
	for rows.Next() {
		var d DependencyOutput
		if err := rows.Scan(&d.RecordID, &d.Extras, &d.Status, &d.Outputs); err != nil {
			return nil, fmt.Errorf("scan dependency output: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (it *pgIteration) ClearDependencies(ctx context.Context) error {
	_, err := it.tx.Exec(ctx, `DELETE FROM service_dependencies WHERE service_id = $1`, it.svc.ID)
	if err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	return nil
}

func (it *pgIteration) AddDependency(ctx context.Context, recordID, extras string) error {
	_, err := it.tx.Exec(ctx, `
		INSERT INTO service_dependencies (service_id, record_id, extras)
		VALUES ($1, $2, $3)
		ON CONFLICT (service_id, record_id, extras) DO NOTHING
	`, it.svc.ID, recordID, extras)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

func (it *pgIteration) SpawnTask(ctx context.Context, spec TaskSpec, extras string) (string, error) {
	if spec.ComputeTag == "" {
		spec.ComputeTag = it.svc.ComputeTag
	}
	rec, err := insertTaskRecord(ctx, it.tx, spec)
	if err != nil {
		return "", err
	}
	if err := it.AddDependency(ctx, rec.ID, extras); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (it *pgIteration) Complete(ctx context.Context, outputs []byte) error {
	_, err := it.tx.Exec(ctx, `
		INSERT INTO compute_history (record_id, status, modified_on, provenance, outputs)
		VALUES ($1, $2, NOW(), 'service_completion', $3)
	`, it.svc.RecordID, models.RecordComplete, outputs)
	if err != nil {
		return fmt.Errorf("insert completion history: %w", err)
	}
	_, err = it.tx.Exec(ctx, `
		UPDATE records SET status = $2, updated_at = NOW() WHERE id = $1
	`, it.svc.RecordID, models.RecordComplete)
	if err != nil {
		return fmt.Errorf("mark record complete: %w", err)
	}
	if _, err := it.tx.Exec(ctx, `DELETE FROM services WHERE id = $1`, it.svc.ID); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	it.completed = true
	return nil
}

func (it *pgIteration) Commit(ctx context.Context) error {
	if !it.completed {
		if it.stateDirty {
			_, err := it.tx.Exec(ctx, `
				UPDATE services SET service_state = $2 WHERE id = $1
			`, it.svc.ID, it.newState)
			if err != nil {
				return fmt.Errorf("update service state: %w", err)
			}
		}
		if it.markInit {
			_, err := it.tx.Exec(ctx, `
				UPDATE services SET initialized = TRUE WHERE id = $1
			`, it.svc.ID)
			if err != nil {
				return fmt.Errorf("mark initialized: %w", err)
			}
		}
	}
	if err := it.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit iteration: %w", err)
	}
	return nil
}

func (it *pgIteration) Rollback(ctx context.Context) error {
	return it.tx.Rollback(ctx)
}

// ActivateManager registers or re-activates a manager.
func (s *PostgresStore) ActivateManager(ctx context.Context, m models.Manager) error {
	programs, err := marshalPrograms(m.Programs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO managers (name, status, programs, compute_tags, last_seen)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE
		SET status = EXCLUDED.status, programs = EXCLUDED.programs,
		    compute_tags = EXCLUDED.compute_tags, last_seen = NOW()
	`, m.Name, models.ManagerActive, programs, m.ComputeTags)
	if err != nil {
		return fmt.Errorf("activate manager: %w", err)
	}
	return nil
}

// ManagerHeartbeat records liveness and load for an active manager.
func (s *PostgresStore) ManagerHeartbeat(ctx context.Context, name string, stats models.ManagerStats) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE managers
		SET last_seen = NOW(), status = $2, active_tasks = $3, total_cpu_hours = $4
		WHERE name = $1
	`, name, models.ManagerActive, stats.ActiveTasks, stats.TotalCPUHours)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateManager marks the manager inactive. Callers are responsible for
// resetting its tasks.
func (s *PostgresStore) DeactivateManager(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE managers SET status = $2, last_seen = NOW() WHERE name = $1
	`, name, models.ManagerInactive)
	if err != nil {
		return fmt.Errorf("deactivate manager: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetManager fetches a manager row by name.
func (s *PostgresStore) GetManager(ctx context.Context, name string) (models.Manager, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, status, programs, compute_tags, last_seen, active_tasks, claimed_tasks, returned_tasks, total_cpu_hours
		FROM managers WHERE name = $1
	`, name)
	var m models.Manager
	var programs []byte
	if err := row.Scan(&m.Name, &m.Status, &programs, &m.ComputeTags, &m.LastSeen, &m.ActiveTasks, &m.ClaimedTasks, &m.ReturnedTasks, &m.TotalCPUHours); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Manager{}, ErrNotFound
		}
		return models.Manager{}, fmt.Errorf("scan manager: %w", err)
	}
	if err := unmarshalPrograms(programs, &m.Programs); err != nil {
		return models.Manager{}, err
	}
	return m, nil
}

// ListStaleManagers returns active managers not seen since the cutoff.
func (s *PostgresStore) ListStaleManagers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name FROM managers WHERE status = $1 AND last_seen < $2
	`, models.ManagerActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale managers: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan manager name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// QueueStats returns queue depth and manager counts for telemetry.
func (s *PostgresStore) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks t JOIN records r ON r.id = t.record_id WHERE r.status = $1),
			(SELECT COUNT(*) FROM tasks t JOIN records r ON r.id = t.record_id WHERE r.status = $2),
			(SELECT COUNT(*) FROM services s JOIN records r ON r.id = s.record_id WHERE r.status = $2),
			(SELECT COUNT(*) FROM managers WHERE status = $3)
	`, models.RecordWaiting, models.RecordRunning, models.ManagerActive).Scan(
		&st.WaitingTasks, &st.RunningTasks, &st.RunningServices, &st.ActiveManagers)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func marshalPrograms(programs map[string]string) ([]byte, error) {
	if programs == nil {
		programs = map[string]string{}
	}
	b, err := json.Marshal(programs)
	if err != nil {
		return nil, fmt.Errorf("marshal programs: %w", err)
	}
	return b, nil
}

func unmarshalPrograms(b []byte, into *map[string]string) error {
	if len(b) == 0 {
		*into = map[string]string{}
		return nil
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("unmarshal programs: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
