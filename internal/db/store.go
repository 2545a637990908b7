package db

import (
	"context"

	"github.com/pkg/errors"

	"waitroom-intake/pkg"
)

// ErrNotFound is returned when a session or medical case does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface used by the HTTP server.  Repository
// (Postgres) and SQLiteStore implement it.
type Store interface {
	CreateSession(ctx context.Context, sess *pkg.Session, messageCap int) error
	GetSession(ctx context.Context, sessionID string) (*pkg.Session, error)
	// EndSession marks the session closed.  Ending a closed session keeps the
	// original closing time.
	EndSession(ctx context.Context, sessionID string) (*pkg.Session, error)
	ListActiveSessions(ctx context.Context) ([]pkg.SessionOverview, error)
	CreateMessage(ctx context.Context, sessionID string, role pkg.MessageRole, content string) (*pkg.Message, error)
	GetTranscript(ctx context.Context, sessionID string) ([]pkg.Message, error)
	CountUserMessages(ctx context.Context, sessionID string) (int, error)
	UpsertMedicalCase(ctx context.Context, c *pkg.MedicalCase) error
	GetMedicalCase(ctx context.Context, sessionID string) (*pkg.MedicalCase, error)
	Close() error
}
