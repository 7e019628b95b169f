// Package ledger persists video lifecycle state and processing sessions in
// Postgres. The ledger is the single source of truth for mutual exclusion:
// at most one unreclaimed running session may exist per video, and claiming
// is an atomic conditional update so that two workers racing over the same
// delivery cannot both win.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vodworks/vod-pipeline/log"
)

// Video status values. A video moves created -> queued -> process and then
// to done or error. Requeue is the only transition out of error.
const (
	StatusCreated = "created"
	StatusQueued  = "queued"
	StatusProcess = "process"
	StatusDone    = "done"
	StatusError   = "error"
)

// Session outcome values.
const (
	OutcomeRunning = "running"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// ErrAlreadyRunning means an unreclaimed running session holds the video.
	ErrAlreadyRunning = errors.New("video already has a running session")
	// ErrAlreadyDone means the video finished before this delivery; the
	// message is a duplicate and should be dropped.
	ErrAlreadyDone = errors.New("video already processed")
	// ErrNotClaimable covers every other unclaimable state, including a
	// video id the ledger has never seen.
	ErrNotClaimable = errors.New("video not claimable")
)

// Claim is what a worker wins: the session that must be completed and the
// identity needed to address the video's artifacts.
type Claim struct {
	SessionID int64
	VideoID   int64
	Basename  string
	Source    string
}

type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	id BIGINT PRIMARY KEY,
	source TEXT NOT NULL,
	basename TEXT,
	status TEXT NOT NULL DEFAULT 'created',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sessions (
	id BIGSERIAL PRIMARY KEY,
	video_id BIGINT NOT NULL REFERENCES videos (id),
	outcome TEXT NOT NULL DEFAULT 'running',
	detail TEXT NOT NULL DEFAULT '',
	reclaimed BOOLEAN NOT NULL DEFAULT FALSE,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS sessions_video_running
	ON sessions (video_id) WHERE outcome = 'running' AND NOT reclaimed;
`

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error creating ledger schema: %w", err)
	}
	return nil
}

// Claim atomically moves the video into processing and opens a session for
// it. The basename is assigned exactly once, on the first successful claim,
// so that artifact keys stay stable across resumed attempts. Claiming fails
// with ErrAlreadyRunning while an unreclaimed running session exists; a
// crashed worker's session keeps holding the video until an operator
// reclaims it.
//
// Serialization is via the row lock, not a conditional update: the videos
// row is locked FOR UPDATE before the session check, so a concurrent
// claimer blocks on the lock and its session check then runs on a snapshot
// that already contains the winner's committed session. A single
// conditional UPDATE cannot give that guarantee under READ COMMITTED,
// because the re-evaluated WHERE would run its session subquery against the
// pre-commit statement snapshot.
func (l *Ledger) Claim(ctx context.Context, videoID int64) (*Claim, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening claim transaction: %w", err)
	}
	defer tx.Rollback()

	var status, source string
	var basename sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, source, basename FROM videos WHERE id = $1 FOR UPDATE`,
		videoID,
	).Scan(&status, &source, &basename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video %d: %w", videoID, ErrNotClaimable)
	}
	if err != nil {
		return nil, fmt.Errorf("error locking video %d: %w", videoID, err)
	}
	switch status {
	case StatusQueued, StatusProcess:
	case StatusDone:
		return nil, fmt.Errorf("video %d: %w", videoID, ErrAlreadyDone)
	default:
		return nil, fmt.Errorf("video %d in status %q: %w", videoID, status, ErrNotClaimable)
	}

	var running bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE video_id = $1 AND outcome = $2 AND NOT reclaimed
		)`,
		videoID, OutcomeRunning,
	).Scan(&running)
	if err != nil {
		return nil, fmt.Errorf("error checking sessions for video %d: %w", videoID, err)
	}
	if running {
		return nil, fmt.Errorf("video %d: %w", videoID, ErrAlreadyRunning)
	}

	name := basename.String
	if name == "" {
		name = newBasename()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE videos SET status = $1, basename = $2, updated_at = now() WHERE id = $3`,
		StatusProcess, name, videoID,
	); err != nil {
		return nil, fmt.Errorf("error claiming video %d: %w", videoID, err)
	}

	var sessionID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO sessions (video_id, outcome) VALUES ($1, $2) RETURNING id`,
		videoID, OutcomeRunning,
	).Scan(&sessionID)
	if err != nil {
		return nil, fmt.Errorf("error opening session for video %d: %w", videoID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing claim for video %d: %w", videoID, err)
	}
	return &Claim{SessionID: sessionID, VideoID: videoID, Basename: name, Source: source}, nil
}

// Complete closes a running session with the given outcome and moves the
// video to the matching terminal status. Completing an already-closed or
// reclaimed session is a full no-op, which makes Complete safe to call from
// retried cleanup paths and from workers that lost the video to a reclaim.
func (l *Ledger) Complete(ctx context.Context, sessionID int64, outcome, detail string) error {
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return fmt.Errorf("invalid session outcome %q", outcome)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error opening completion transaction: %w", err)
	}
	defer tx.Rollback()

	// Reclaimed sessions must not settle anything: the video belongs to
	// whoever claimed it after the reclaim, and a zombie worker finishing
	// late would otherwise overwrite the new claimant's state.
	var videoID int64
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions SET outcome = $1, detail = $2, finished_at = now()
		WHERE id = $3 AND outcome = $4 AND NOT reclaimed
		RETURNING video_id`,
		outcome, detail, sessionID, OutcomeRunning,
	).Scan(&videoID)
	if errors.Is(err, sql.ErrNoRows) {
		log.LogNoJobID("session already settled or reclaimed", "session_id", sessionID, "outcome", outcome)
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("error completing session %d: %w", sessionID, err)
	}

	videoStatus := StatusDone
	if outcome == OutcomeFailure {
		videoStatus = StatusError
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE videos SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		videoStatus, videoID, StatusProcess,
	); err != nil {
		return fmt.Errorf("error settling video %d: %w", videoID, err)
	}
	return tx.Commit()
}

// ForceReclaim releases the video held by a dead worker's session. It is a
// deliberate operator action, never automatic: the ledger cannot tell a slow
// transcode from a crashed one, and reclaiming a live session would let two
// workers write the same artifacts. Returns the number of sessions reclaimed.
func (l *Ledger) ForceReclaim(ctx context.Context, videoID int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE sessions SET reclaimed = TRUE
		WHERE video_id = $1 AND outcome = $2 AND NOT reclaimed`,
		videoID, OutcomeRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("error reclaiming sessions for video %d: %w", videoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting reclaimed sessions for video %d: %w", videoID, err)
	}
	return n, nil
}

// IsRunning reports whether an unreclaimed running session holds the video.
func (l *Ledger) IsRunning(ctx context.Context, videoID int64) (bool, error) {
	var running bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE video_id = $1 AND outcome = $2 AND NOT reclaimed
		)`,
		videoID, OutcomeRunning,
	).Scan(&running)
	if err != nil {
		return false, fmt.Errorf("error checking sessions for video %d: %w", videoID, err)
	}
	return running, nil
}

// Requeue moves a failed video back to the queue for another attempt. Only
// error is a valid starting point; done and in-flight videos are left alone.
func (l *Ledger) Requeue(ctx context.Context, videoID int64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE videos SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		StatusQueued, videoID, StatusError,
	)
	if err != nil {
		return fmt.Errorf("error requeueing video %d: %w", videoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error counting requeued rows for video %d: %w", videoID, err)
	}
	if n == 0 {
		return fmt.Errorf("video %d: %w", videoID, ErrNotClaimable)
	}
	return nil
}

func newBasename() string {
	return uuid.NewString()
}
