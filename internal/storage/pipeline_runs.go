// Package storage - pipeline run audit log ("pipeline_runs" table).
//
// Adapted from the teacher's message_outbox retry/backoff bookkeeping: here
// it audits account pipeline attempts rather than tracking P2P message
// redelivery, but the same append-then-update-terminal-state shape applies.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState mirrors the account pipeline's state machine for audit purposes.
type RunState string

const (
	RunStateDiscovering RunState = "discovering"
	RunStateFilling     RunState = "filling"
	RunStateCommitting  RunState = "committing"
	RunStateSucceeded   RunState = "succeeded"
	RunStateFailed      RunState = "failed"
)

// PipelineRun is one attempt by the scheduler to advance an account's
// reconstructed ledger.
type PipelineRun struct {
	ID           string
	AccountID    string
	State        RunState
	StartedAt    time.Time
	FinishedAt   *time.Time
	RetryCount   int
	ErrorMessage string
}

// StartPipelineRun inserts a new in-progress run and returns its id.
func (s *Storage) StartPipelineRun(accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, account_id, state, started_at, retry_count)
		VALUES (?, ?, ?, ?, 0)
	`, id, accountID, string(RunStateDiscovering), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to start pipeline run: %w", err)
	}
	return id, nil
}

// AdvancePipelineRun updates the in-progress state of a run (Discovering ->
// Filling -> Committing) without marking it finished.
func (s *Storage) AdvancePipelineRun(runID string, state RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET state = ? WHERE id = ?
	`, string(state), runID)
	if err != nil {
		return fmt.Errorf("failed to advance pipeline run: %w", err)
	}
	return nil
}

// FinishPipelineRun marks a run terminal. errMsg empty means success.
func (s *Storage) FinishPipelineRun(runID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := RunStateSucceeded
	if errMsg != "" {
		state = RunStateFailed
	}

	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET state = ?, finished_at = ?, error_message = ? WHERE id = ?
	`, string(state), time.Now().Unix(), nullableString(errMsg), runID)
	if err != nil {
		return fmt.Errorf("failed to finish pipeline run: %w", err)
	}
	return nil
}

// IncrementRetry bumps a run's retry counter, for runs that hit a transient
// RPC/hint failure and are being re-attempted within the same pipeline pass.
func (s *Storage) IncrementRetry(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET retry_count = retry_count + 1 WHERE id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// ListRecentRuns returns the most recent runs for an account, newest first.
func (s *Storage) ListRecentRuns(accountID string, limit int) ([]*PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, account_id, state, started_at, finished_at, retry_count, error_message
		FROM pipeline_runs WHERE account_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	var out []*PipelineRun
	for rows.Next() {
		var r PipelineRun
		var state string
		var startedAt int64
		var finishedAt sql.NullInt64
		var errMsg sql.NullString

		err := rows.Scan(&r.ID, &r.AccountID, &state, &startedAt, &finishedAt, &r.RetryCount, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		r.State = RunState(state)
		r.StartedAt = time.Unix(startedAt, 0)
		r.ErrorMessage = errMsg.String
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0)
			r.FinishedAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
