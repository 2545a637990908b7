package terminal

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"

	"waitroom-intake/internal/client"
	"waitroom-intake/pkg"
)

// Conversation is the part of client.ConversationClient the loop drives.
type Conversation interface {
	StartConversation(ctx context.Context) (pkg.Session, error)
	SendMessage(ctx context.Context, text string) error
	FetchMedicalCase(ctx context.Context) (*pkg.MedicalCase, error)
	EndConversation(ctx context.Context) (*pkg.MedicalCase, error)
	State() client.State
}

var _ Conversation = (*client.ConversationClient)(nil)

const helpText = "/new مکالمه جدید  /case پرونده پزشکی  /status وضعیت  /end پایان مکالمه  /quit خروج"

// Run starts a conversation and then reads commands and messages from in,
// one per line, until in is exhausted, /quit is entered or ctx is done.
// Client errors are rendered through the client's callbacks and never end
// the loop.
func Run(ctx context.Context, conv Conversation, r *Renderer, in io.Reader) error {
	r.Toast(ToastInfo, helpText)
	_, _ = conv.StartConversation(ctx)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return errors.Wrap(err, "read input")
				default:
					return nil
				}
			}
			if quit := handleLine(ctx, conv, r, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv Conversation, r *Renderer, line string) bool {
	switch line {
	case "/quit", "/exit":
		return true
	case "/new":
		_, _ = conv.StartConversation(ctx)
	case "/case":
		mc, err := conv.FetchMedicalCase(ctx)
		if err != nil {
			r.Error(err)
			return false
		}
		r.MedicalCase(mc)
	case "/end":
		// failures were reported through callbacks
		if mc, err := conv.EndConversation(ctx); err == nil && mc != nil {
			r.MedicalCase(mc)
		}
	case "/status":
		r.Status(conv.State())
	case "/help":
		r.Toast(ToastInfo, helpText)
	default:
		// Empty input and sends while awaiting a reply are ignored; the
		// remaining failures were already reported through callbacks.
		_ = conv.SendMessage(ctx, line)
	}
	return false
}
