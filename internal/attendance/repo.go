package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const recordColumns = `id, external_session_id, student_id, student_external_id,
	marked_at, status, method, source, user_agent, ip_address,
	synced_with_spoc, sync_error, last_sync_attempt`

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new record. Uniqueness of (external_session_id,
// student_id) is left to the database constraint so that two concurrent
// scans cannot both insert; a constraint violation maps to ErrDuplicate.
func (r *Repository) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	if rec.Source == "" {
		rec.Source = "EDUCATE"
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, external_session_id, student_id, student_external_id,
			 status, method, source, user_agent, ip_address)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING marked_at
	`, rec.ID, rec.ExternalSessionID, rec.StudentID, rec.StudentExternalID,
		rec.Status, rec.Method, rec.Source, rec.UserAgent, nullable(rec.IPAddress))
	if err := row.Scan(&rec.MarkedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, err
	}
	return rec, nil
}

// FindBySessionAndStudent returns the record for a (session, student) pair,
// or nil when the student has not marked that session.
func (r *Repository) FindBySessionAndStudent(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE external_session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetRecord returns a single record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records WHERE id = $1
	`, id)
	return scanRecord(row)
}

// MarkSynced updates only the sync bookkeeping fields. Last write wins, so
// concurrent forward attempts for the same record stay safe without locks.
func (r *Repository) MarkSynced(ctx context.Context, id string, success bool, errMsg string) error {
	var syncErr interface{}
	if !success && errMsg != "" {
		syncErr = errMsg
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET synced_with_spoc = $2, sync_error = $3, last_sync_attempt = NOW()
		WHERE id = $1
	`, id, success, syncErr)
	return err
}

// SetStudentExternalID backfills the external identifier once known.
func (r *Repository) SetStudentExternalID(ctx context.Context, id, externalID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET student_external_id = $2 WHERE id = $1
	`, id, externalID)
	return err
}

// FindUnsyncedOlderThan returns unsynced records marked within the lookback
// window, oldest first, for the reconciliation sweep.
func (r *Repository) FindUnsyncedOlderThan(ctx context.Context, lookback time.Duration, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE synced_with_spoc = FALSE
		  AND marked_at >= NOW() - ($1 * interval '1 second')
		ORDER BY marked_at ASC
		LIMIT $2
	`, lookback.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListBySession returns records for a session with pagination, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE external_session_id = $1
		ORDER BY marked_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var ip sql.NullString
	err := row.Scan(&rec.ID, &rec.ExternalSessionID, &rec.StudentID,
		&rec.StudentExternalID, &rec.MarkedAt, &rec.Status, &rec.Method,
		&rec.Source, &rec.UserAgent, &ip, &rec.SyncedWithSpoc,
		&rec.SyncError, &rec.LastSyncAttempt)
	if err != nil {
		return Record{}, err
	}
	if ip.Valid {
		rec.IPAddress = ip.String
	}
	return rec, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
