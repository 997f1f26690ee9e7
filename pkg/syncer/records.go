package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procgate/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow slice of pgxpool.Pool the orchestrator needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var ErrRecordNotFound = errors.New("sync record not found")

const recordColumns = `
	id, sync_id, application_id, submission_id, sync_type, sync_status,
	start_time, end_time, sync_count, success_count, failed_count,
	error_code, error_message, source_hash, operator_id, operator_name,
	remark, retry_count, next_retry_time`

func (o *Orchestrator) insertRecord(ctx context.Context, rec *models.SyncRecord) error {
	err := o.DB.QueryRow(ctx, `
		INSERT INTO process_sync_records (
			sync_id, application_id, submission_id, sync_type, sync_status,
			start_time, sync_count, success_count, failed_count,
			operator_id, operator_name, remark, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		rec.SyncID, rec.ApplicationID, rec.SubmissionID, rec.SyncType, rec.SyncStatus,
		rec.StartTime, rec.SyncCount, rec.SuccessCount, rec.FailedCount,
		rec.OperatorID, rec.OperatorName, rec.Remark, rec.RetryCount,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// completeRecord closes out one attempt. retry_count only ever grows and a
// later success does not reset it; the counter is attempt history, not state.
func (o *Orchestrator) completeRecord(ctx context.Context, rec models.SyncRecord) error {
	_, err := o.DB.Exec(ctx, `
		UPDATE process_sync_records SET
			sync_status=$1, end_time=$2, sync_count=$3, success_count=$4, failed_count=$5,
			error_code=$6, error_message=$7, source_hash=$8, retry_count=$9, next_retry_time=$10
		WHERE id=$11`,
		rec.SyncStatus, rec.EndTime, rec.SyncCount, rec.SuccessCount, rec.FailedCount,
		rec.ErrorCode, rec.ErrorMessage, rec.SourceHash, rec.RetryCount, rec.NextRetryTime,
		rec.ID)
	if err != nil {
		return fmt.Errorf("complete sync record: %w", err)
	}
	return nil
}

// Record returns one sync record by its public sync id.
func (o *Orchestrator) Record(ctx context.Context, syncID string) (models.SyncRecord, error) {
	row := o.DB.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM process_sync_records WHERE sync_id=$1`, syncID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SyncRecord{}, ErrRecordNotFound
		}
		return models.SyncRecord{}, fmt.Errorf("get sync record: %w", err)
	}
	return rec, nil
}

// Records lists recent sync records for one application, newest first.
func (o *Orchestrator) Records(ctx context.Context, applicationID int64, limit int) ([]models.SyncRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := o.DB.Query(ctx,
		`SELECT `+recordColumns+` FROM process_sync_records
		 WHERE application_id=$1 ORDER BY start_time DESC LIMIT $2`,
		applicationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// dueFailed returns failed records whose backoff window has elapsed.
func (o *Orchestrator) dueFailed(ctx context.Context, now time.Time, limit int) ([]models.SyncRecord, error) {
	rows, err := o.DB.Query(ctx,
		`SELECT `+recordColumns+` FROM process_sync_records
		 WHERE sync_status = ANY($1) AND (next_retry_time IS NULL OR next_retry_time <= $2)
		 ORDER BY start_time ASC LIMIT $3`,
		[]string{models.SyncStatusFailed, models.SyncStatusPartialSuccess}, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due sync records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// lastSuccess returns the most recent successful attempt for an application,
// ErrRecordNotFound when it was never synced cleanly.
func (o *Orchestrator) lastSuccess(ctx context.Context, applicationID int64) (models.SyncRecord, error) {
	row := o.DB.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM process_sync_records
		 WHERE application_id=$1 AND sync_status=$2
		 ORDER BY end_time DESC NULLS LAST LIMIT 1`,
		applicationID, models.SyncStatusSuccess)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SyncRecord{}, ErrRecordNotFound
		}
		return models.SyncRecord{}, fmt.Errorf("get last success: %w", err)
	}
	return rec, nil
}

// CleanupExpired removes sync records older than the retention horizon and
// reports how many were dropped.
func (o *Orchestrator) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := o.now().Add(-retention)
	tag, err := o.DB.Exec(ctx,
		`DELETE FROM process_sync_records WHERE start_time < $1 AND sync_status <> $2`,
		cutoff, models.SyncStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("cleanup sync records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Report aggregates attempt outcomes over a time window.
type Report struct {
	From     time.Time        `json:"from"`
	To       time.Time        `json:"to"`
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	Stored   int64            `json:"stored"`
	Failed   int64            `json:"failed"`
}

func (o *Orchestrator) BuildReport(ctx context.Context, from, to time.Time) (Report, error) {
	rep := Report{From: from, To: to, ByStatus: map[string]int64{}}
	rows, err := o.DB.Query(ctx, `
		SELECT sync_status, COUNT(*), COALESCE(SUM(success_count),0), COALESCE(SUM(failed_count),0)
		FROM process_sync_records
		WHERE start_time >= $1 AND start_time < $2
		GROUP BY sync_status`,
		from, to)
	if err != nil {
		return Report{}, fmt.Errorf("build sync report: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, stored, failed int64
		if err := rows.Scan(&status, &count, &stored, &failed); err != nil {
			return Report{}, fmt.Errorf("scan sync report: %w", err)
		}
		rep.ByStatus[status] = count
		rep.Total += count
		rep.Stored += stored
		rep.Failed += failed
	}
	if err := rows.Err(); err != nil {
		return Report{}, fmt.Errorf("iterate sync report: %w", err)
	}
	return rep, nil
}

func collectRecords(rows pgx.Rows) ([]models.SyncRecord, error) {
	var out []models.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.SyncRecord, error) {
	var rec models.SyncRecord
	if err := row.Scan(
		&rec.ID, &rec.SyncID, &rec.ApplicationID, &rec.SubmissionID, &rec.SyncType, &rec.SyncStatus,
		&rec.StartTime, &rec.EndTime, &rec.SyncCount, &rec.SuccessCount, &rec.FailedCount,
		&rec.ErrorCode, &rec.ErrorMessage, &rec.SourceHash, &rec.OperatorID, &rec.OperatorName,
		&rec.Remark, &rec.RetryCount, &rec.NextRetryTime,
	); err != nil {
		return models.SyncRecord{}, err
	}
	return rec, nil
}
