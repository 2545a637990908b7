package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  The server
// notifies the channel with a session ID whenever that session's medical
// case is updated; dashboards listen for it.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
	Logger  zerolog.Logger
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL setting; dsn is used to open the dedicated
// listener connection.
func NewNotifier(db *sql.DB, dsn, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{DB: db, DSN: dsn, Channel: channel, Logger: logger}
}

// Notify sends a notification to the channel with the session ID.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	// NOTIFY does not accept bind parameters; pg_notify does.
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, sessionID)
	return errors.Wrapf(err, "notify %s", n.Channel)
}

// Listen delivers session IDs received on the channel until ctx is
// cancelled, at which point the returned channel is closed.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	logger := n.Logger.With().Str("channel", n.Channel).Logger()
	l := pq.NewListener(n.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("listener event")
		}
	})
	if err := l.Listen(n.Channel); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "listen %s", n.Channel)
	}

	ch := make(chan string)
	go func() {
		defer func() {
			_ = l.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-l.Notify:
				// A nil notification follows a reconnect.
				if note == nil {
					continue
				}
				select {
				case ch <- note.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() {
					if err := l.Ping(); err != nil {
						logger.Warn().Err(err).Msg("listener ping failed")
					}
				}()
			}
		}
	}()
	return ch, nil
}
