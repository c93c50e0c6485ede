package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite state store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _journal_mode=WAL: concurrent readers with a single writer
	// _busy_timeout=3000: wait up to 3 seconds for locks
	connStr := dbPath + "?_foreign_keys=1&mode=rwc&_journal_mode=WAL&_busy_timeout=3000"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.NewTransientf("failed to open sqlite database: %w", err)
	}

	// WAL mode supports one writer and multiple concurrent readers.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewPermanentf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patches (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		version TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		payload BLOB,
		affected_targets_json TEXT NOT NULL,
		advisory_id TEXT,
		created_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		validation_results_json TEXT,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rollouts (
		patch_id TEXT PRIMARY KEY,
		plan_json TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		assignments_json TEXT NOT NULL,
		results_json TEXT NOT NULL,
		paused BOOLEAN NOT NULL,
		started_at INTEGER NOT NULL,
		stage_started_at INTEGER NOT NULL,
		completed BOOLEAN NOT NULL,
		FOREIGN KEY (patch_id) REFERENCES patches(id)
	);

	CREATE TABLE IF NOT EXISTS version_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patch_id TEXT NOT NULL,
		version TEXT NOT NULL,
		is_major BOOLEAN NOT NULL,
		severity TEXT NOT NULL,
		released_at INTEGER NOT NULL,
		release_notes TEXT
	);

	CREATE TABLE IF NOT EXISTS notifications (
		notification_id TEXT PRIMARY KEY,
		patch_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL,
		last_error TEXT,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		patch_id TEXT NOT NULL,
		target_id TEXT,
		action TEXT NOT NULL,
		performed_by TEXT NOT NULL,
		timestamp_ns INTEGER NOT NULL,
		details TEXT,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patches_status ON patches(status);
	CREATE INDEX IF NOT EXISTS idx_rollouts_completed ON rollouts(completed);
	CREATE INDEX IF NOT EXISTS idx_version_records_patch ON version_records(patch_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_patch ON notifications(patch_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_patch ON audit_entries(patch_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// nextSeq allocates the next insertion-order sequence number for a
// table within a transaction.
func nextSeq(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM `+table).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

// SavePatch inserts or replaces a patch by ID.
func (s *SQLiteStore) SavePatch(ctx context.Context, patch *types.SecurityPatch) error {
	targetsJSON, err := json.Marshal(patch.AffectedTargets)
	if err != nil {
		return &errors.SerializationError{Cause: err}
	}
	resultsJSON, err := json.Marshal(patch.ValidationResults)
	if err != nil {
		return &errors.SerializationError{Cause: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTransientf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM patches WHERE id = ?`, patch.ID).Scan(&seq)
	if err == sql.ErrNoRows {
		next, err := nextSeq(ctx, tx, "patches")
		if err != nil {
			return errors.NewTransientf("failed to allocate sequence: %w", err)
		}
		seq = sql.NullInt64{Int64: next, Valid: true}
	} else if err != nil {
		return errors.NewTransientf("failed to query patch: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO patches (
			id, title, description, severity, status, version,
			payload_hash, payload, affected_targets_json, advisory_id,
			created_by, created_at, updated_at, validation_results_json, seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		patch.ID, patch.Title, patch.Description,
		patch.Severity.String(), patch.Status.String(), patch.Version.String(),
		patch.PayloadHash, patch.Payload, string(targetsJSON), patch.AdvisoryID,
		patch.CreatedBy, patch.CreatedAt.UnixNano(), patch.UpdatedAt.UnixNano(),
		string(resultsJSON), seq.Int64,
	)
	if err != nil {
		return errors.NewTransientf("failed to save patch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewTransientf("failed to commit patch: %w", err)
	}
	return nil
}

// GetPatch retrieves a patch by ID.
func (s *SQLiteStore) GetPatch(ctx context.Context, patchID string) (*types.SecurityPatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, severity, status, version,
		       payload_hash, payload, affected_targets_json, advisory_id,
		       created_by, created_at, updated_at, validation_results_json
		FROM patches WHERE id = ?
	`, patchID)

	patch, err := scanPatch(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrPatchNotFound
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to load patch: %w", err)
	}
	return patch, nil
}

// ListPatches returns all patches in creation order.
func (s *SQLiteStore) ListPatches(ctx context.Context) ([]*types.SecurityPatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, severity, status, version,
		       payload_hash, payload, affected_targets_json, advisory_id,
		       created_by, created_at, updated_at, validation_results_json
		FROM patches ORDER BY seq ASC
	`)
	if err != nil {
		return nil, errors.NewTransientf("failed to list patches: %w", err)
	}
	defer rows.Close()

	var patches []*types.SecurityPatch
	for rows.Next() {
		patch, err := scanPatch(rows)
		if err != nil {
			return nil, errors.NewTransientf("failed to scan patch: %w", err)
		}
		patches = append(patches, patch)
	}
	return patches, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatch(row rowScanner) (*types.SecurityPatch, error) {
	var (
		p                         types.SecurityPatch
		severity, status, version string
		targetsJSON, resultsJSON  string
		advisoryID                sql.NullString
		createdAt, updatedAt      int64
	)
	err := row.Scan(
		&p.ID, &p.Title, &p.Description, &severity, &status, &version,
		&p.PayloadHash, &p.Payload, &targetsJSON, &advisoryID,
		&p.CreatedBy, &createdAt, &updatedAt, &resultsJSON,
	)
	if err != nil {
		return nil, err
	}

	if p.Severity, err = types.ParseSeverity(severity); err != nil {
		return nil, err
	}
	if p.Status, err = types.ParsePatchStatus(status); err != nil {
		return nil, err
	}
	if p.Version, err = types.ParsePatchVersion(version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targetsJSON), &p.AffectedTargets); err != nil {
		return nil, err
	}
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &p.ValidationResults); err != nil {
			return nil, err
		}
	}
	p.AdvisoryID = advisoryID.String
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}

// SaveRollout inserts or replaces the rollout state for a patch.
func (s *SQLiteStore) SaveRollout(ctx context.Context, state *types.RolloutState) error {
	planJSON, err := json.Marshal(state.Plan)
	if err != nil {
		return &errors.SerializationError{Cause: err}
	}
	assignmentsJSON, err := json.Marshal(state.StageAssignments)
	if err != nil {
		return &errors.SerializationError{Cause: err}
	}
	resultsJSON, err := json.Marshal(state.Results)
	if err != nil {
		return &errors.SerializationError{Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rollouts (
			patch_id, plan_json, current_stage, assignments_json,
			results_json, paused, started_at, stage_started_at, completed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		state.PatchID, string(planJSON), state.CurrentStage.String(),
		string(assignmentsJSON), string(resultsJSON), state.Paused,
		state.StartedAt.UnixNano(), state.StageStartedAt.UnixNano(), state.Completed,
	)
	if err != nil {
		return errors.NewTransientf("failed to save rollout: %w", err)
	}
	return nil
}

// GetRollout retrieves the rollout state for a patch.
func (s *SQLiteStore) GetRollout(ctx context.Context, patchID string) (*types.RolloutState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT patch_id, plan_json, current_stage, assignments_json,
		       results_json, paused, started_at, stage_started_at, completed
		FROM rollouts WHERE patch_id = ?
	`, patchID)

	state, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRolloutNotFound
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to load rollout: %w", err)
	}
	return state, nil
}

// ListOpenRollouts returns rollouts that have not completed yet.
func (s *SQLiteStore) ListOpenRollouts(ctx context.Context) ([]*types.RolloutState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT patch_id, plan_json, current_stage, assignments_json,
		       results_json, paused, started_at, stage_started_at, completed
		FROM rollouts WHERE completed = 0 ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, errors.NewTransientf("failed to list rollouts: %w", err)
	}
	defer rows.Close()

	var states []*types.RolloutState
	for rows.Next() {
		state, err := scanRollout(rows)
		if err != nil {
			return nil, errors.NewTransientf("failed to scan rollout: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanRollout(row rowScanner) (*types.RolloutState, error) {
	var (
		state                                 types.RolloutState
		planJSON, stage, assignJSON, resJSON  string
		startedAt, stageStartedAt             int64
	)
	err := row.Scan(
		&state.PatchID, &planJSON, &stage, &assignJSON,
		&resJSON, &state.Paused, &startedAt, &stageStartedAt, &state.Completed,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(planJSON), &state.Plan); err != nil {
		return nil, err
	}
	if state.CurrentStage, err = types.ParseRolloutStage(stage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(assignJSON), &state.StageAssignments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resJSON), &state.Results); err != nil {
		return nil, err
	}
	state.StartedAt = time.Unix(0, startedAt).UTC()
	state.StageStartedAt = time.Unix(0, stageStartedAt).UTC()
	return &state, nil
}

// SaveVersionRecord appends a release record.
func (s *SQLiteStore) SaveVersionRecord(ctx context.Context, record *types.VersionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO version_records (
			patch_id, version, is_major, severity, released_at, release_notes
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		record.PatchID, record.Version.String(), record.IsMajor,
		record.Severity.String(), record.ReleasedAt.UnixNano(), record.ReleaseNotes,
	)
	if err != nil {
		return errors.NewTransientf("failed to save version record: %w", err)
	}
	return nil
}

// ListVersionRecords returns a patch's releases in release order.
func (s *SQLiteStore) ListVersionRecords(ctx context.Context, patchID string) ([]*types.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT patch_id, version, is_major, severity, released_at, release_notes
		FROM version_records WHERE patch_id = ? ORDER BY id ASC
	`, patchID)
	if err != nil {
		return nil, errors.NewTransientf("failed to list version records: %w", err)
	}
	defer rows.Close()

	var records []*types.VersionRecord
	for rows.Next() {
		var (
			r                 types.VersionRecord
			version, severity string
			releasedAt        int64
			notes             sql.NullString
		)
		if err := rows.Scan(&r.PatchID, &version, &r.IsMajor, &severity, &releasedAt, &notes); err != nil {
			return nil, errors.NewTransientf("failed to scan version record: %w", err)
		}
		if r.Version, err = types.ParsePatchVersion(version); err != nil {
			return nil, err
		}
		if r.Severity, err = types.ParseSeverity(severity); err != nil {
			return nil, err
		}
		r.ReleasedAt = time.Unix(0, releasedAt).UTC()
		r.ReleaseNotes = notes.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// SaveNotification inserts or replaces a notification by ID.
func (s *SQLiteStore) SaveNotification(ctx context.Context, record *types.NotificationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTransientf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM notifications WHERE notification_id = ?`,
		record.NotificationID).Scan(&seq)
	if err == sql.ErrNoRows {
		next, err := nextSeq(ctx, tx, "notifications")
		if err != nil {
			return errors.NewTransientf("failed to allocate sequence: %w", err)
		}
		seq = sql.NullInt64{Int64: next, Valid: true}
	} else if err != nil {
		return errors.NewTransientf("failed to query notification: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO notifications (
			notification_id, patch_id, target_id, status,
			created_at, updated_at, attempt_count, last_error, seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.NotificationID, record.PatchID, record.TargetID, record.Status.String(),
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
		record.AttemptCount, record.LastError, seq.Int64,
	)
	if err != nil {
		return errors.NewTransientf("failed to save notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewTransientf("failed to commit notification: %w", err)
	}
	return nil
}

// ListNotifications returns a patch's notifications in creation order.
func (s *SQLiteStore) ListNotifications(ctx context.Context, patchID string) ([]*types.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT notification_id, patch_id, target_id, status,
		       created_at, updated_at, attempt_count, last_error
		FROM notifications WHERE patch_id = ? ORDER BY seq ASC
	`, patchID)
	if err != nil {
		return nil, errors.NewTransientf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var records []*types.NotificationRecord
	for rows.Next() {
		var (
			r                    types.NotificationRecord
			status               string
			createdAt, updatedAt int64
			lastErr              sql.NullString
		)
		if err := rows.Scan(&r.NotificationID, &r.PatchID, &r.TargetID, &status,
			&createdAt, &updatedAt, &r.AttemptCount, &lastErr); err != nil {
			return nil, errors.NewTransientf("failed to scan notification: %w", err)
		}
		if r.Status, err = types.ParseNotificationStatus(status); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		r.LastError = lastErr.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// AppendAuditEntry appends one audit entry.
func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTransientf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSeq(ctx, tx, "audit_entries")
	if err != nil {
		return errors.NewTransientf("failed to allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (
			entry_id, patch_id, target_id, action,
			performed_by, timestamp_ns, details, seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.EntryID, entry.PatchID, entry.TargetID, entry.Action.String(),
		entry.PerformedBy, entry.Timestamp.UnixNano(), entry.Details, seq,
	)
	if err != nil {
		return errors.NewTransientf("failed to append audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewTransientf("failed to commit audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns a patch's audit entries in insertion order,
// or the whole trail when patchID is empty.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, patchID string) ([]*types.AuditEntry, error) {
	query := `
		SELECT entry_id, patch_id, target_id, action,
		       performed_by, timestamp_ns, details
		FROM audit_entries`
	args := []any{}
	if patchID != "" {
		query += ` WHERE patch_id = ?`
		args = append(args, patchID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewTransientf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		var (
			e                 types.AuditEntry
			action            string
			timestampNS       int64
			targetID, details sql.NullString
		)
		if err := rows.Scan(&e.EntryID, &e.PatchID, &targetID, &action,
			&e.PerformedBy, &timestampNS, &details); err != nil {
			return nil, errors.NewTransientf("failed to scan audit entry: %w", err)
		}
		if e.Action, err = types.ParseAuditAction(action); err != nil {
			return nil, err
		}
		e.TargetID = targetID.String
		e.Details = details.String
		e.Timestamp = time.Unix(0, timestampNS).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
