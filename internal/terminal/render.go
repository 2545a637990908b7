// Package terminal renders conversation events on a text terminal and runs
// the line-oriented chat loop used by cmd/chat.
package terminal

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"waitroom-intake/internal/client"
	"waitroom-intake/pkg"
)

// Toast kinds.
const (
	ToastSuccess = "success"
	ToastError   = "error"
	ToastWarning = "warning"
	ToastInfo    = "info"
)

// Patient-facing texts of the chat widget.
const (
	textStarted      = "مکالمه جدید شروع شد"
	textEnded        = "مکالمه به پایان رسید"
	textEndFailed    = "خطا در پایان مکالمه"
	textStartFirst   = "ابتدا مکالمه را شروع کنید"
	textStartFailed  = "خطا در شروع مکالمه: "
	textSendFailed   = "خطا در ارسال پیام"
	textCaseFailed   = "خطا در بارگذاری پرونده پزشکی"
	textCaseNotFound = "پرونده پزشکی یافت نشد"
	textEmpty        = "--"
)

var (
	boldRe   = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicRe = regexp.MustCompile(`\*(.*?)\*`)
)

// Renderer writes conversation events to out.  It is safe for use from the
// client's callbacks and the timer goroutine at the same time.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer

	user, assistant, failure lipgloss.Style
	meta, bold, italic       lipgloss.Style
	toasts                   map[string]lipgloss.Style

	// elapsed is the last value reported by the session timer.
	elapsed time.Duration
}

// NewRenderer returns a Renderer writing to out.  Colours are only emitted
// when out is a colour-capable terminal.
func NewRenderer(out io.Writer) *Renderer {
	lr := lipgloss.NewRenderer(out)
	return &Renderer{
		out:       out,
		user:      lr.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		assistant: lr.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failure:   lr.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		meta:      lr.NewStyle().Faint(true),
		bold:      lr.NewStyle().Bold(true),
		italic:    lr.NewStyle().Italic(true),
		toasts: map[string]lipgloss.Style{
			ToastSuccess: lr.NewStyle().Foreground(lipgloss.Color("10")),
			ToastError:   lr.NewStyle().Foreground(lipgloss.Color("9")),
			ToastWarning: lr.NewStyle().Foreground(lipgloss.Color("11")),
			ToastInfo:    lr.NewStyle().Foreground(lipgloss.Color("14")),
		},
	}
}

// Callbacks wires the renderer to a ConversationClient.
func (r *Renderer) Callbacks() client.Callbacks {
	return client.Callbacks{
		MessageAppended: r.Message,
		SessionStarted: func(pkg.Session) {
			r.mu.Lock()
			r.elapsed = 0
			r.mu.Unlock()
			r.Toast(ToastSuccess, textStarted)
		},
		SessionEnded: func(pkg.Session) {
			r.Toast(ToastInfo, textEnded+" ("+FormatElapsed(r.Elapsed())+")")
		},
		UrgencyUpdated: func(u pkg.UrgencyLevel) {
			r.printf("%s\n", r.meta.Render("سطح اورژانسی: "+u.Label()))
		},
		Error: r.Error,
		Tick: func(d time.Duration) {
			r.mu.Lock()
			r.elapsed = d
			r.mu.Unlock()
		},
	}
}

// Message prints one chat message.
func (r *Renderer) Message(m pkg.Message) {
	var label string
	switch m.Role {
	case pkg.RoleUser:
		label = r.user.Render("شما")
	case pkg.RoleAssistant:
		label = r.assistant.Render("دستیار")
	default:
		label = r.failure.Render("خطا")
	}
	r.printf("%s %s\n%s\n\n", label, r.meta.Render(m.Timestamp.Local().Format("15:04")), r.markup(m.Content))
}

// Error turns a client error into a toast.
func (r *Renderer) Error(err error) {
	var nf *client.NetworkFailure
	switch {
	case errors.Is(err, client.ErrNoActiveSession):
		r.Toast(ToastWarning, textStartFirst)
	case errors.Is(err, client.ErrCaseNotFound):
		r.Toast(ToastError, textCaseNotFound)
	case errors.As(err, &nf) && nf.Reason != "" && strings.HasPrefix(nf.Op, "start"):
		r.Toast(ToastError, textStartFailed+nf.Reason)
	case errors.As(err, &nf) && strings.HasPrefix(nf.Op, "send"):
		r.Toast(ToastError, textSendFailed)
	case errors.As(err, &nf) && strings.HasPrefix(nf.Op, "end"):
		r.Toast(ToastError, textEndFailed)
	case errors.As(err, &nf):
		r.Toast(ToastError, textCaseFailed)
	default:
		r.Toast(ToastError, err.Error())
	}
}

// Toast prints a one-line notification.
func (r *Renderer) Toast(kind, text string) {
	st, ok := r.toasts[kind]
	if !ok {
		st = r.toasts[ToastInfo]
	}
	r.printf("%s\n", st.Render("• "+text))
}

// MedicalCase prints a case snapshot; empty fields show as "--".
func (r *Renderer) MedicalCase(mc *pkg.MedicalCase) {
	var b strings.Builder
	row := func(k, v string) {
		if strings.TrimSpace(v) == "" {
			v = textEmpty
		}
		fmt.Fprintf(&b, "%s %s\n", r.bold.Render(k+":"), v)
	}
	row("شکایت اصلی", mc.ChiefComplaint)
	row("سابقه پزشکی", mc.MedicalHistory)
	row("داروها", mc.Medications)
	row("سطح اورژانسی", mc.UrgencyLevel.Label())
	names := make([]string, 0, len(mc.Symptoms))
	for k := range mc.Symptoms {
		names = append(names, k)
	}
	sort.Strings(names)
	symptoms := make([]string, 0, len(names))
	for _, k := range names {
		symptoms = append(symptoms, k+": "+mc.Symptoms[k])
	}
	row("علائم", strings.Join(symptoms, " | "))
	r.printf("%s\n", b.String())
}

// Status prints the elapsed time of the last timer tick with the message
// count and urgency of st.
func (r *Renderer) Status(st client.State) {
	r.printf("%s\n", r.meta.Render(fmt.Sprintf("مدت: %s  پیام‌ها: %d  اورژانس: %s",
		FormatElapsed(r.Elapsed()), st.MessageCount, st.Urgency.Label())))
}

// Elapsed returns the last elapsed time reported by the timer.
func (r *Renderer) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// FormatElapsed renders d as mm:ss.  Minutes are not wrapped at 60.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func (r *Renderer) markup(s string) string {
	s = boldRe.ReplaceAllStringFunc(s, func(m string) string {
		return r.bold.Render(boldRe.FindStringSubmatch(m)[1])
	})
	return italicRe.ReplaceAllStringFunc(s, func(m string) string {
		return r.italic.Render(italicRe.FindStringSubmatch(m)[1])
	})
}

func (r *Renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
