package repo

import (
	"context"
	"database/sql"

	"migratory/internal/domain"
)

const statusColumns = `id,type,object_type,status,total_count,current_index,COALESCE(progress_message,''),COALESCE(backup_location,''),
COALESCE(error_message,''),COALESCE(error_details,''),started_by,started_on,COALESCE(finished_on,''),terminate_requested`

// terminal job records are never written again.
const notTerminal = `status NOT IN ('COMPLETED','FAILED')`

func scanStatus(row rowScanner) (domain.BackupRestoreStatus, error) {
	var (
		s         domain.BackupRestoreStatus
		terminate int
	)
	err := row.Scan(&s.ID, &s.Type, &s.ObjectType, &s.Status, &s.TotalCount, &s.CurrentIndex, &s.ProgressMessage, &s.BackupLocation,
		&s.ErrorMessage, &s.ErrorDetails, &s.StartedBy, &s.StartedOn, &s.FinishedOn, &terminate)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.TerminateRequested = terminate != 0
	return s, classify(err)
}

func (r Repo) InsertStatus(ctx context.Context, s domain.BackupRestoreStatus) error {
	_, err := r.execer(ctx, nil)(`INSERT INTO daemon_status(id,type,object_type,status,total_count,current_index,progress_message,started_by,started_on,terminate_requested)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Type, s.ObjectType, s.Status, s.TotalCount, s.CurrentIndex, nullable(s.ProgressMessage), s.StartedBy, s.StartedOn, boolInt(s.TerminateRequested))
	return err
}

func (r Repo) GetStatus(ctx context.Context, id string) (domain.BackupRestoreStatus, error) {
	return scanStatus(r.DB.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM daemon_status WHERE id=?`, id))
}

func (r Repo) ListStatuses(ctx context.Context, limit int) ([]domain.BackupRestoreStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+statusColumns+` FROM daemon_status ORDER BY started_on DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.BackupRestoreStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateProgress publishes progress and moves STARTED jobs to PROCESSING.
func (r Repo) UpdateProgress(ctx context.Context, id string, current, total int64, message string) error {
	_, err := r.execer(ctx, nil)(`UPDATE daemon_status SET status='PROCESSING', current_index=?, total_count=?, progress_message=? WHERE id=? AND `+notTerminal,
		current, total, nullable(message), id)
	return err
}

// Complete moves a job to COMPLETED. It reports false when the job was already terminal.
func (r Repo) Complete(ctx context.Context, id string, current, total int64, location, finishedOn string) (bool, error) {
	res, err := r.execer(ctx, nil)(`UPDATE daemon_status SET status='COMPLETED', current_index=?, total_count=?, backup_location=?, finished_on=? WHERE id=? AND `+notTerminal,
		current, total, nullable(location), finishedOn, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Fail moves a job to FAILED. It reports false when the job was already terminal.
func (r Repo) Fail(ctx context.Context, id string, current, total int64, message, details, finishedOn string) (bool, error) {
	res, err := r.execer(ctx, nil)(`UPDATE daemon_status SET status='FAILED', current_index=?, total_count=?, error_message=?, error_details=?, finished_on=? WHERE id=? AND `+notTerminal,
		current, total, message, nullable(details), finishedOn, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestTerminate flags a running job. Finished jobs are left alone.
func (r Repo) RequestTerminate(ctx context.Context, id string) error {
	if _, err := r.GetStatus(ctx, id); err != nil {
		return err
	}
	_, err := r.execer(ctx, nil)(`UPDATE daemon_status SET terminate_requested=1 WHERE id=? AND `+notTerminal, id)
	return err
}

func (r Repo) TerminateRequested(ctx context.Context, id string) (bool, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT terminate_requested FROM daemon_status WHERE id=?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return v != 0, classify(err)
}
