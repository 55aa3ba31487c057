// Package pgstore implements session.Store against Postgres, grounded
// on internal/storage/pg's database.go/migrations.go: lib/pq driver,
// pressly/goose/v3 embedded migrations run at startup.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/Acsight/voiceter-gateway/internal/gateway/session"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a Postgres-backed session.Store.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, runs pending migrations, and returns a
// ready Store. Mirrors internal/storage/pg.InitDatabase's connect-
// then-migrate sequencing.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ session.Store = (*Store)(nil)

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions
			(id, questionnaire_id, language, voice_id, user_id, status, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.QuestionnaireID, sess.Language, sess.VoiceID, sess.UserID,
		string(sess.Status), sess.StartedAt, sess.LastActivityAt)
	return err
}

// UpdateSession persists the session's current status and activity
// timestamp. Called from the post-session pipeline.
func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gateway_sessions
		SET status = $2, last_activity_at = $3, updated_at = now()
		WHERE id = $1`,
		sess.ID, string(sess.Status), sess.LastActivityAt)
	return err
}

// DeleteSession removes a session and its recording chunks (cascade).
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gateway_sessions WHERE id = $1`, sessionID)
	return err
}

// AppendRecordingChunk stores one audio chunk as its own row for the
// session. FlushRecording counts these rows; it does not concatenate
// them.
func (s *Store) AppendRecordingChunk(ctx context.Context, sessionID string, chunk []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_session_recordings (session_id, chunk) VALUES ($1, $2)`,
		sessionID, chunk)
	return err
}

// FlushRecording is a placeholder for the out-of-scope audio-archival
// pipeline: it records that a recording exists without uploading
// anywhere, returning a locator the caller can store on the session.
func (s *Store) FlushRecording(ctx context.Context, sessionID string) (string, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM gateway_session_recordings WHERE session_id = $1`, sessionID,
	).Scan(&count); err != nil {
		return "", err
	}
	if count == 0 {
		return "", nil
	}
	url := fmt.Sprintf("pgstore://gateway_session_recordings/%s", sessionID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_sessions SET recording_url = $2 WHERE id = $1`, sessionID, url)
	return url, err
}
