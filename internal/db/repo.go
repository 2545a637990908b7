package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"waitroom-intake/pkg"
)

// Repository wraps Postgres operations for sessions, messages and medical
// cases.
type Repository struct {
	DB *sql.DB
}

var _ Store = (*Repository)(nil)

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// CreateSession inserts sess.  An empty ID is filled with a new UUID and a
// zero StartTime with the database clock.
func (r *Repository) CreateSession(ctx context.Context, sess *pkg.Session, messageCap int) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (id, conversation_id, message_cap)
         VALUES ($1, $2, $3)
         RETURNING created_at`,
		sess.ID, sess.ConversationID, messageCap,
	).Scan(&sess.StartTime)
	return errors.Wrap(err, "insert session")
}

// GetSession loads a session by ID.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrNotFound
	}
	s, err := scanSession(r.DB.QueryRowContext(ctx,
		`SELECT id, conversation_id, message_cap, created_at, closed_at FROM sessions WHERE id = $1`,
		sessionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, errors.Wrap(err, "select session")
}

// EndSession sets closed_at once and returns the closed session.
func (r *Repository) EndSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrNotFound
	}
	s, err := scanSession(r.DB.QueryRowContext(ctx,
		`UPDATE sessions SET closed_at = COALESCE(closed_at, NOW())
         WHERE id = $1
         RETURNING id, conversation_id, message_cap, created_at, closed_at`,
		sessionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, errors.Wrap(err, "close session")
}

// ListActiveSessions returns open sessions, newest first, with the urgency
// and complaint of their current case.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]pkg.SessionOverview, error) {
	rows, err := r.DB.QueryContext(ctx, listActiveSQL)
	if err != nil {
		return nil, errors.Wrap(err, "select active sessions")
	}
	return scanOverviews(rows)
}

// CreateMessage stores a new message for the given session.
func (r *Repository) CreateMessage(ctx context.Context, sessionID string, role pkg.MessageRole, content string) (*pkg.Message, error) {
	m := pkg.Message{SessionID: sessionID}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, role, content)
         VALUES ($1, $2, $3)
         RETURNING id, role, content, created_at`,
		sessionID, role, content,
	).Scan(&m.ID, &m.Role, &m.Content, &m.Timestamp)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return &m, nil
}

// GetTranscript returns the messages of a session in insertion order.
func (r *Repository) GetTranscript(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
         FROM messages
         WHERE session_id = $1
         ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "select transcript")
	}
	defer rows.Close()
	var transcript []pkg.Message
	for rows.Next() {
		var m pkg.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

// CountUserMessages counts patient messages in a session for message-cap
// enforcement.
func (r *Repository) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1 AND role = 'user'`,
		sessionID,
	).Scan(&count)
	return count, errors.Wrap(err, "count user messages")
}

// UpsertMedicalCase inserts or replaces the case of c.SessionID.
func (r *Repository) UpsertMedicalCase(ctx context.Context, c *pkg.MedicalCase) error {
	symptoms, err := json.Marshal(nonNilSymptoms(c.Symptoms))
	if err != nil {
		return errors.Wrap(err, "encode symptoms")
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO medical_cases
             (session_id, chief_complaint, medical_history, medications, urgency_level, symptoms, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         ON CONFLICT (session_id) DO UPDATE SET
             chief_complaint = EXCLUDED.chief_complaint,
             medical_history = EXCLUDED.medical_history,
             medications     = EXCLUDED.medications,
             urgency_level   = EXCLUDED.urgency_level,
             symptoms        = EXCLUDED.symptoms,
             updated_at      = EXCLUDED.updated_at`,
		c.SessionID, c.ChiefComplaint, c.MedicalHistory, c.Medications,
		string(c.UrgencyLevel), string(symptoms), updated,
	)
	return errors.Wrap(err, "upsert medical case")
}

// GetMedicalCase loads the current case of a session.
func (r *Repository) GetMedicalCase(ctx context.Context, sessionID string) (*pkg.MedicalCase, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrNotFound
	}
	var (
		c        pkg.MedicalCase
		urgency  string
		symptoms []byte
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT session_id, chief_complaint, medical_history, medications, urgency_level, symptoms, updated_at
         FROM medical_cases WHERE session_id = $1`,
		sessionID,
	).Scan(&c.SessionID, &c.ChiefComplaint, &c.MedicalHistory, &c.Medications, &urgency, &symptoms, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select medical case")
	}
	c.UrgencyLevel = pkg.ParseUrgency(urgency)
	if err := json.Unmarshal(symptoms, &c.Symptoms); err != nil {
		return nil, errors.Wrap(err, "decode symptoms")
	}
	return &c, nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error { return r.DB.Close() }

func nonNilSymptoms(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

const listActiveSQL = `
SELECT s.id, s.conversation_id, s.created_at,
       COALESCE(c.chief_complaint, ''), COALESCE(c.urgency_level, 'unknown'),
       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id AND m.role = 'user')
FROM sessions s
LEFT JOIN medical_cases c ON c.session_id = s.id
WHERE s.closed_at IS NULL
ORDER BY s.created_at DESC`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*pkg.Session, error) {
	var (
		s      pkg.Session
		closed sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.ConversationID, &s.MessageCap, &s.StartTime, &closed); err != nil {
		return nil, err
	}
	if closed.Valid {
		t := closed.Time
		s.ClosedAt = &t
	}
	return &s, nil
}

func scanOverviews(rows *sql.Rows) ([]pkg.SessionOverview, error) {
	defer rows.Close()
	var out []pkg.SessionOverview
	for rows.Next() {
		var (
			o       pkg.SessionOverview
			urgency string
		)
		if err := rows.Scan(&o.SessionID, &o.ConversationID, &o.StartTime, &o.ChiefComplaint, &urgency, &o.UserMessages); err != nil {
			return nil, errors.Wrap(err, "scan session overview")
		}
		o.UrgencyLevel = pkg.ParseUrgency(urgency)
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "iterate sessions")
}
