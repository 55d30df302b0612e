package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/visiontrainer/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection that records evaluation runs and watch sessions.
type Store struct {
	conn *pgx.Conn
}

// EvaluationRun is one stored accuracy report.
type EvaluationRun struct {
	ID         uuid.UUID
	ClassID    int
	ClassName  string
	Threshold  float64
	References int
	Accuracy   float64
	Evaluated  int
	Correct    int
	Skipped    int
	CreatedAt  time.Time
}

// WatchSession is one run of the live processor.
type WatchSession struct {
	ID         uuid.UUID
	Source     string
	ClassID    int
	Threshold  float64
	Frames     int
	Processed  int
	Detections int
	Known      int
	Reason     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS evaluation_runs (
			id UUID PRIMARY KEY,
			class_id INT NOT NULL,
			class_name TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			reference_count INT NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			evaluated INT NOT NULL,
			correct INT NOT NULL,
			skipped INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS watch_sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			class_id INT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			frames INT NOT NULL DEFAULT 0,
			processed INT NOT NULL DEFAULT 0,
			detections INT NOT NULL DEFAULT 0,
			known INT NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS frame_matches (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID REFERENCES watch_sessions(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			location INT[] NOT NULL,
			known BOOLEAN NOT NULL,
			similarity DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS frame_matches_session_id_idx ON frame_matches (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RecordEvaluation stores an accuracy report and returns its id.
func (s *Store) RecordEvaluation(ctx context.Context, run EvaluationRun) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO evaluation_runs (id, class_id, class_name, threshold, reference_count, accuracy, evaluated, correct, skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.ClassID, run.ClassName, run.Threshold, run.References, run.Accuracy, run.Evaluated, run.Correct, run.Skipped)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// ListEvaluations returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListEvaluations(ctx context.Context, limit int) ([]EvaluationRun, error) {
	query := `
		SELECT id, class_id, class_name, threshold, reference_count, accuracy, evaluated, correct, skipped, created_at
		FROM evaluation_runs
		ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []EvaluationRun
	for rows.Next() {
		var r EvaluationRun
		if err := rows.Scan(&r.ID, &r.ClassID, &r.ClassName, &r.Threshold, &r.References, &r.Accuracy,
			&r.Evaluated, &r.Correct, &r.Skipped, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StartWatchSession registers a live run and returns its id.
func (s *Store) StartWatchSession(ctx context.Context, source string, classID int, threshold float64) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO watch_sessions (id, source, class_id, threshold, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, source, classID, threshold)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// InsertFrameLabels saves every labelled detection of one frame in a single batch.
func (s *Store) InsertFrameLabels(ctx context.Context, sessionID uuid.UUID, frameIdx int, labels []types.FrameLabel) error {
	if len(labels) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range labels {
		loc := []int32{int32(l.Box.X1), int32(l.Box.Y1), int32(l.Box.X2), int32(l.Box.Y2)}
		batch.Queue(`
			INSERT INTO frame_matches (session_id, frame_index, location, known, similarity)
			VALUES ($1, $2, $3, $4, $5)
		`, sessionID, frameIdx, loc, l.Label == types.Known, l.Similarity)
	}
	return s.conn.SendBatch(ctx, batch).Close()
}

// FinishWatchSession stores the final counters of a run.
func (s *Store) FinishWatchSession(ctx context.Context, ws WatchSession) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE watch_sessions
		SET frames = $2, processed = $3, detections = $4, known = $5, reason = $6, finished_at = NOW()
		WHERE id = $1
	`, ws.ID, ws.Frames, ws.Processed, ws.Detections, ws.Known, ws.Reason)
	return err
}

// GetWatchSession loads one session.
func (s *Store) GetWatchSession(ctx context.Context, id uuid.UUID) (WatchSession, error) {
	var ws WatchSession
	err := s.conn.QueryRow(ctx, `
		SELECT id, source, class_id, threshold, frames, processed, detections, known, reason, started_at, finished_at
		FROM watch_sessions WHERE id = $1
	`, id).Scan(&ws.ID, &ws.Source, &ws.ClassID, &ws.Threshold, &ws.Frames, &ws.Processed,
		&ws.Detections, &ws.Known, &ws.Reason, &ws.StartedAt, &ws.FinishedAt)
	return ws, err
}

// CountFrameMatches returns (total, known) stored labels for a session.
func (s *Store) CountFrameMatches(ctx context.Context, sessionID uuid.UUID) (int, int, error) {
	var total, known int
	err := s.conn.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE known)
		FROM frame_matches WHERE session_id = $1
	`, sessionID).Scan(&total, &known)
	return total, known, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS frame_matches CASCADE;
		DROP TABLE IF EXISTS watch_sessions CASCADE;
		DROP TABLE IF EXISTS evaluation_runs CASCADE;
	`)
	return err
}
