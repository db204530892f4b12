// Package jobs tracks the lifecycle of analysis runs.
//
// A job moves forward through pending, thinking, analyzing and extracting to
// done or failed. The transition table is enforced on every write; Cancel is
// the one move allowed from any live state. Jobs that stop updating for the
// stale window are failed with a timeout reason before any status query is
// answered, so a crashed run never blocks the next one.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/lorekeeper/internal/logger"
)

// State is a job lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateThinking   State = "thinking"
	StateAnalyzing  State = "analyzing"
	StateExtracting State = "extracting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// DefaultStaleAfter is how long a live job may go without an update.
const DefaultStaleAfter = 5 * time.Minute

var (
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrJobNotFound       = errors.New("job not found")
)

// transitions lists the allowed forward moves. Failing is allowed from every
// live state and is not listed.
var transitions = map[State][]State{
	StatePending:    {StateThinking, StateAnalyzing, StateExtracting},
	StateThinking:   {StateAnalyzing, StateExtracting},
	StateAnalyzing:  {StateExtracting, StateDone},
	StateExtracting: {StateDone},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Failure codes.
const (
	CodeError     = "error"
	CodeCancelled = "cancelled"
	CodeTimeout   = "timeout"
)

// Reason is the structured cause of a failed job.
type Reason struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ChapterID string `json:"chapter_id,omitempty"`
}

// Job is one analysis run.
type Job struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	State          State      `json:"state"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	Reason         *Reason    `json:"reason,omitempty"`
	Cancelled      bool       `json:"cancelled"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Progress returns completed/total as a percentage in [0, 100]. A done job
// is always 100.
func (j Job) Progress() float64 {
	if j.State == StateDone {
		return 100
	}
	if j.TotalSteps <= 0 {
		return 0
	}
	p := float64(j.CompletedSteps) / float64(j.TotalSteps) * 100
	return max(0, min(100, p))
}

// Manager persists jobs in the processing_jobs table.
type Manager struct {
	db         *sql.DB
	now        func() time.Time
	staleAfter time.Duration
	log        *logger.Logger
}

// NewManager creates a manager. staleAfter <= 0 means DefaultStaleAfter.
func NewManager(db *sql.DB, staleAfter time.Duration, log *logger.Logger) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{db: db, now: time.Now, staleAfter: staleAfter, log: logger.OrNop(log)}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create starts a pending job.
func (m *Manager) Create(ctx context.Context, projectID string, totalSteps int) (*Job, error) {
	now := m.now()
	j := &Job{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		State:      StatePending,
		TotalSteps: totalSteps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, project_id, state, total_steps, completed_steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, j.ID, j.ProjectID, string(j.State), j.TotalSteps, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

// Advance moves a job to state to.
func (m *Manager) Advance(ctx context.Context, id string, to State) error {
	if to == StateFailed {
		return m.Fail(ctx, id, Reason{Code: CodeError})
	}
	return m.transition(ctx, id, to, nil, false)
}

// Fail moves a live job to failed with reason.
func (m *Manager) Fail(ctx context.Context, id string, reason Reason) error {
	if reason.Code == "" {
		reason.Code = CodeError
	}
	return m.transition(ctx, id, StateFailed, &reason, reason.Code == CodeCancelled)
}

// Cancel fails a live job with the cancellation marker. Work already in
// flight finishes; the runner stops at its next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.Fail(ctx, id, Reason{Code: CodeCancelled, Message: "cancelled by request"})
}

func (m *Manager) transition(ctx context.Context, id string, to State, reason *Reason, cancelled bool) error {
	j, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}

	now := m.now().UnixNano()
	var reasonJSON sql.NullString
	if reason != nil {
		b, err := json.Marshal(reason)
		if err != nil {
			return fmt.Errorf("failed to marshal reason: %w", err)
		}
		reasonJSON = sql.NullString{String: string(b), Valid: true}
	}
	var finished sql.NullInt64
	if to.Terminal() {
		finished = sql.NullInt64{Int64: now, Valid: true}
	}

	// The state guard makes a concurrent move lose cleanly.
	res, err := m.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			state = ?,
			error_reason = COALESCE(?, error_reason),
			cancelled = cancelled OR ?,
			completed_steps = CASE WHEN ? = 'done' THEN total_steps ELSE completed_steps END,
			updated_at = ?,
			finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND state = ?
	`, string(to), reasonJSON, cancelled, string(to), now, finished, id, string(j.State))
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}
	m.log.Debug("job transition", "job_id", id, "from", string(j.State), "to", string(to))
	return nil
}

// SetProgress records step counts on a live job and refreshes its heartbeat.
func (m *Manager) SetProgress(ctx context.Context, id string, completed, total int) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE processing_jobs SET completed_steps = ?, total_steps = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('done', 'failed')
	`, completed, total, m.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := m.load(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is finished", ErrInvalidTransition, id)
	}
	return nil
}

// SweepStale fails every live job not updated within the stale window.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.staleAfter).UnixNano()
	reason, _ := json.Marshal(Reason{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("no progress for %s", m.staleAfter),
	})
	res, err := m.db.ExecContext(ctx, `
		UPDATE processing_jobs SET state = 'failed', error_reason = ?, updated_at = ?, finished_at = ?
		WHERE state NOT IN ('done', 'failed') AND updated_at < ?
	`, string(reason), now.UnixNano(), now.UnixNano(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.log.Warn("stale jobs failed", "count", n, "stale_after", m.staleAfter.String())
	}
	return int(n), nil
}

// Get sweeps stale jobs, then loads one job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	if _, err := m.SweepStale(ctx); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

// Latest sweeps stale jobs, then returns the project's most recent job, or
// nil when it has none.
func (m *Manager) Latest(ctx context.Context, projectID string) (*Job, error) {
	list, err := m.List(ctx, projectID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// Active sweeps stale jobs, then returns the project's live job, if any.
func (m *Manager) Active(ctx context.Context, projectID string) (*Job, error) {
	if _, err := m.SweepStale(ctx); err != nil {
		return nil, err
	}
	list, err := m.query(ctx, `WHERE project_id = ? AND state NOT IN ('done', 'failed') ORDER BY created_at DESC LIMIT 1`, projectID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// List sweeps stale jobs, then returns a project's jobs newest first. limit
// <= 0 returns all.
func (m *Manager) List(ctx context.Context, projectID string, limit int) ([]Job, error) {
	if _, err := m.SweepStale(ctx); err != nil {
		return nil, err
	}
	where := `WHERE project_id = ? ORDER BY created_at DESC, id`
	args := []any{projectID}
	if limit > 0 {
		where += ` LIMIT ?`
		args = append(args, limit)
	}
	return m.query(ctx, where, args...)
}

// Stopped reports whether a job can no longer make progress. The runner
// checks it between chapters.
func (m *Manager) Stopped(ctx context.Context, id string) (bool, error) {
	j, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	return j.State.Terminal(), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Job, error) {
	list, err := m.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return &list[0], nil
}

func (m *Manager) query(ctx context.Context, where string, args ...any) ([]Job, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, project_id, state, total_steps, completed_steps, error_reason, cancelled,
		       created_at, updated_at, finished_at
		FROM processing_jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var state string
		var reason sql.NullString
		var created, updated int64
		var finished sql.NullInt64
		if err := rows.Scan(&j.ID, &j.ProjectID, &state, &j.TotalSteps, &j.CompletedSteps, &reason,
			&j.Cancelled, &created, &updated, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		j.State = State(state)
		j.CreatedAt = time.Unix(0, created)
		j.UpdatedAt = time.Unix(0, updated)
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			j.FinishedAt = &t
		}
		if reason.Valid && reason.String != "" {
			var r Reason
			if err := json.Unmarshal([]byte(reason.String), &r); err == nil {
				j.Reason = &r
			} else {
				j.Reason = &Reason{Code: CodeError, Message: reason.String}
			}
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating job rows: %w", err)
	}
	return out, nil
}
