package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"waitroom-intake/pkg"
)

// SQLiteStore implements Store on a single SQLite file.  It backs local
// development and tests; production deployments use Repository.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *pkg.Session, messageCap int) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.StartTime = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, message_cap, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, messageCap, sess.StartTime,
	)
	return errors.Wrap(err, "insert session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, message_cap, created_at, closed_at FROM sessions WHERE id = ?`, sessionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, errors.Wrap(err, "select session")
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = COALESCE(closed_at, ?) WHERE id = ?`, s.now(), sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "close session")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, errors.Wrap(err, "close session")
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]pkg.SessionOverview, error) {
	rows, err := s.db.QueryContext(ctx, listActiveSQL)
	if err != nil {
		return nil, errors.Wrap(err, "select active sessions")
	}
	return scanOverviews(rows)
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, sessionID string, role pkg.MessageRole, content string) (*pkg.Message, error) {
	m := pkg.Message{SessionID: sessionID, Role: role, Content: content, Timestamp: s.now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, m.Timestamp,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "message id")
	}
	return &m, nil
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select transcript")
	}
	defer rows.Close()
	var transcript []pkg.Message
	for rows.Next() {
		var (
			m    pkg.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Role = pkg.MessageRole(role)
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

func (s *SQLiteStore) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND role = 'user'`, sessionID,
	).Scan(&count)
	return count, errors.Wrap(err, "count user messages")
}

func (s *SQLiteStore) UpsertMedicalCase(ctx context.Context, c *pkg.MedicalCase) error {
	symptoms, err := json.Marshal(nonNilSymptoms(c.Symptoms))
	if err != nil {
		return errors.Wrap(err, "encode symptoms")
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO medical_cases
             (session_id, chief_complaint, medical_history, medications, urgency_level, symptoms, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (session_id) DO UPDATE SET
             chief_complaint = excluded.chief_complaint,
             medical_history = excluded.medical_history,
             medications     = excluded.medications,
             urgency_level   = excluded.urgency_level,
             symptoms        = excluded.symptoms,
             updated_at      = excluded.updated_at`,
		c.SessionID, c.ChiefComplaint, c.MedicalHistory, c.Medications,
		string(c.UrgencyLevel), string(symptoms), updated.UTC(),
	)
	return errors.Wrap(err, "upsert medical case")
}

func (s *SQLiteStore) GetMedicalCase(ctx context.Context, sessionID string) (*pkg.MedicalCase, error) {
	var (
		c        pkg.MedicalCase
		urgency  string
		symptoms string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, chief_complaint, medical_history, medications, urgency_level, symptoms, updated_at
         FROM medical_cases WHERE session_id = ?`, sessionID,
	).Scan(&c.SessionID, &c.ChiefComplaint, &c.MedicalHistory, &c.Medications, &urgency, &symptoms, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select medical case")
	}
	c.UrgencyLevel = pkg.ParseUrgency(urgency)
	if err := json.Unmarshal([]byte(symptoms), &c.Symptoms); err != nil {
		return nil, errors.Wrap(err, "decode symptoms")
	}
	return &c, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
