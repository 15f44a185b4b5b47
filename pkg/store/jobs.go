package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// maxArtifactLen and maxArtifactKeys bound a job's artifacts.
const (
	maxArtifactLen  = 512_000
	maxArtifactKeys = 8
)

// JobCreateRequest is the input shape of job_create.
type JobCreateRequest struct {
	Title    string
	Prompt   string
	Kind     string
	Priority int
	TaskID   string
	AnchorID string
	MetaJSON string
}

func scanJobRow(row interface{ Scan(dest ...any) error }) (Job, error) {
	var j Job
	var title, prompt, kind, taskID, anchorID, meta, runner sql.NullString
	var lease sql.NullInt64
	var cancelled int
	err := row.Scan(&j.ID, &title, &prompt, &kind, &j.Priority, &j.Status, &taskID, &anchorID, &meta,
		&j.CreatedAtMs, &j.UpdatedAtMs, &lease, &runner, &cancelled)
	if err != nil {
		return Job{}, err
	}
	j.Title, j.Prompt, j.Kind, j.TaskID, j.AnchorID, j.MetaJSON = title.String, prompt.String, kind.String, taskID.String, anchorID.String, meta.String
	j.LeaseExpiresAtMs = lease.Int64
	j.RunnerID = runner.String
	j.Cancelled = cancelled != 0
	return j, nil
}

const jobColumns = `job_id, title, prompt, kind, priority, status, task_id, anchor_id, meta_json,
	created_at_ms, updated_at_ms, lease_expires_at_ms, runner_id, cancelled`

func getJobTx(ctx context.Context, tx *sql.Tx, workspace, jobID string) (Job, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE workspace=? AND job_id=?`, workspace, jobID)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// JobCreate is job_create: assigns a new JOB-* id and emits
// job_created.
func (s *Store) JobCreate(ctx context.Context, workspace string, req JobCreateRequest) (Job, error) {
	var out Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		n, err := nextCounterTx(ctx, tx, workspace, "job")
		if err != nil {
			return err
		}
		jobID := fmt.Sprintf("JOB-%d", n)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs(workspace, job_id, title, prompt, kind, priority, status, task_id, anchor_id, meta_json,
				created_at_ms, updated_at_ms, cancelled)
			VALUES (?,?,?,?,?,?,'queued',?,?,?,?,?,0)`,
			workspace, jobID, req.Title, req.Prompt, req.Kind, req.Priority,
			nullableText(req.TaskID), nullableText(req.AnchorID), nullableText(req.MetaJSON), now, now)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{"job_id": jobID, "title": req.Title, "kind": req.Kind})
		if _, err := emitEventTx(ctx, tx, workspace, req.TaskID, "", "job_created", string(payload), now); err != nil {
			return err
		}
		out, _, err = getJobTx(ctx, tx, workspace, jobID)
		return err
	})
	if err != nil {
		return Job{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// JobClaim is job_claim: atomically claims the highest-priority
// queued (or stale running, when allowStale) job for runnerID.
func (s *Store) JobClaim(ctx context.Context, workspace string, kinds []string, allowStale bool, leaseTTLMs int64, runnerID string) (Job, bool, error) {
	if runnerID == "" {
		runnerID = uuid.NewString()
	}
	var out Job
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE workspace=? AND cancelled=0 AND (
			status='queued' OR (status='running' AND ? AND lease_expires_at_ms < ?)
		)`
		args := []any{workspace, allowStale, now}
		if len(kinds) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
			query += fmt.Sprintf(" AND kind IN (%s)", placeholders)
			for _, k := range kinds {
				args = append(args, k)
			}
		}
		query += ` ORDER BY priority DESC, created_at_ms ASC LIMIT 1`
		row := tx.QueryRowContext(ctx, query, args...)
		j, err := scanJobRow(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		j.LeaseExpiresAtMs = now + leaseTTLMs
		j.RunnerID = runnerID
		j.Status = "running"
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status='running', lease_expires_at_ms=?, runner_id=?, updated_at_ms=? WHERE workspace=? AND job_id=?`,
			j.LeaseExpiresAtMs, runnerID, now, workspace, j.ID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"job_id": j.ID, "runner_id": runnerID})
		if _, err := emitEventTx(ctx, tx, workspace, j.TaskID, "", "job_claimed", string(payload), now); err != nil {
			return err
		}
		out, found = j, true
		return nil
	})
	if err != nil {
		return Job{}, false, bmerrors.WrapSQL(err)
	}
	return out, found, nil
}

// JobHeartbeat refreshes the lease, rejecting a mismatched runner unless forced.
func (s *Store) JobHeartbeat(ctx context.Context, workspace, jobID, runnerID string, leaseTTLMs int64, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, ok, err := getJobTx(ctx, tx, workspace, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return &bmerrors.UnknownID{Kind: "job", ID: jobID}
		}
		if j.Status != "running" {
			return bmerrors.NewInvalidInput("job %s is not running", jobID)
		}
		if !force && j.RunnerID != runnerID {
			return bmerrors.NewInvalidInput("job %s is leased to a different runner", jobID)
		}
		now := nowMs()
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET lease_expires_at_ms=?, updated_at_ms=? WHERE workspace=? AND job_id=?`,
			now+leaseTTLMs, now, workspace, jobID)
		return err
	})
}

// JobReport is job_report: records progress without changing status.
func (s *Store) JobReport(ctx context.Context, workspace, jobID, progressJSON string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, ok, err := getJobTx(ctx, tx, workspace, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return &bmerrors.UnknownID{Kind: "job", ID: jobID}
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at_ms=? WHERE workspace=? AND job_id=?`, now, workspace, jobID); err != nil {
			return err
		}
		_, err = emitEventTx(ctx, tx, workspace, j.TaskID, "", "job_report", progressJSON, now)
		return err
	})
}

// JobComplete is job_complete.
func (s *Store) JobComplete(ctx context.Context, workspace, jobID, status, resultJSON string) error {
	if status != "done" && status != "failed" {
		return bmerrors.NewInvalidInput("job completion status must be done or failed, got %q", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, ok, err := getJobTx(ctx, tx, workspace, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return &bmerrors.UnknownID{Kind: "job", ID: jobID}
		}
		if j.Status != "running" {
			return bmerrors.NewInvalidInput("job %s is not running", jobID)
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status=?, lease_expires_at_ms=NULL, runner_id=NULL, updated_at_ms=? WHERE workspace=? AND job_id=?`,
			status, now, workspace, jobID); err != nil {
			return err
		}
		_, err = emitEventTx(ctx, tx, workspace, j.TaskID, "", "job_"+status, resultJSON, now)
		return err
	})
}

// JobCancel is job_cancel: a queued job moves straight to cancelled. For a
// running job it only sets the job's cancelled flag; the status stays
// running, and JobHeartbeat neither reports the flag nor rejects the
// heartbeat.
func (s *Store) JobCancel(ctx context.Context, workspace, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, ok, err := getJobTx(ctx, tx, workspace, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return &bmerrors.UnknownID{Kind: "job", ID: jobID}
		}
		now := nowMs()
		switch j.Status {
		case "queued":
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status='cancelled', updated_at_ms=? WHERE workspace=? AND job_id=?`, now, workspace, jobID)
		case "running":
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET cancelled=1, updated_at_ms=? WHERE workspace=? AND job_id=?`, now, workspace, jobID)
		default:
			return bmerrors.NewInvalidInput("job %s cannot be cancelled from status %s", jobID, j.Status)
		}
		if err != nil {
			return err
		}
		_, err = emitEventTx(ctx, tx, workspace, j.TaskID, "", "job_cancel_requested", "", now)
		return err
	})
}

// JobArtifactCreate is job_artifact_create.
func (s *Store) JobArtifactCreate(ctx context.Context, workspace, jobID, artifactKey, contentText string) (JobArtifact, error) {
	if len(contentText) > maxArtifactLen {
		return JobArtifact{}, bmerrors.NewInvalidInput("artifact content exceeds %d bytes", maxArtifactLen)
	}
	var out JobArtifact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getJobTx(ctx, tx, workspace, jobID); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownID{Kind: "job", ID: jobID}
		}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM job_artifacts WHERE workspace=? AND job_id=? AND artifact_key=?`,
			workspace, jobID, artifactKey).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		isNewKey := err == sql.ErrNoRows
		if isNewKey {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_artifacts WHERE workspace=? AND job_id=?`, workspace, jobID).Scan(&count); err != nil {
				return err
			}
			if count >= maxArtifactKeys {
				return bmerrors.NewInvalidInput("job %s already has %d distinct artifact keys", jobID, maxArtifactKeys)
			}
		}
		now := nowMs()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_artifacts(workspace, job_id, artifact_key, content_text, content_len, created_at_ms, updated_at_ms)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(workspace, job_id, artifact_key) DO UPDATE SET
				content_text=excluded.content_text, content_len=excluded.content_len, updated_at_ms=excluded.updated_at_ms`,
			workspace, jobID, artifactKey, contentText, len(contentText), now, now)
		if err != nil {
			return fmt.Errorf("upsert job artifact: %w", err)
		}
		out = JobArtifact{JobID: jobID, ArtifactKey: artifactKey, ContentText: contentText, ContentLen: len(contentText), CreatedAtMs: now, UpdatedAtMs: now}
		return nil
	})
	if err != nil {
		return JobArtifact{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// JobArtifactsList is job_artifacts_list, sorted by artifact_key ascending.
func (s *Store) JobArtifactsList(ctx context.Context, workspace, jobID string, limit int) ([]JobArtifact, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, artifact_key, content_text, content_len, created_at_ms, updated_at_ms
		FROM job_artifacts WHERE workspace=? AND job_id=? ORDER BY artifact_key ASC LIMIT ?`, workspace, jobID, limit)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	defer func() { _ = rows.Close() }()
	var out []JobArtifact
	for rows.Next() {
		var a JobArtifact
		if err := rows.Scan(&a.JobID, &a.ArtifactKey, &a.ContentText, &a.ContentLen, &a.CreatedAtMs, &a.UpdatedAtMs); err != nil {
			return nil, bmerrors.WrapSQL(err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
