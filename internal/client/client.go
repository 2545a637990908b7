// Package client implements the patient-side conversation client of the
// intake chat.  It owns the session identity and the local transcript,
// serialises requests to the backend and reports every state change through
// Callbacks; it never renders anything itself.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"waitroom-intake/pkg"
)

const (
	startPath       = "/api/conversation/start/"
	messagePath     = "/api/conversation/message/"
	endPath         = "/api/conversation/end/"
	medicalCasePath = "/api/medical-case/"
)

// Patient-facing failure texts.
const (
	reasonStart   = "خطا در شروع مکالمه"
	reasonSend    = "خطا در ارسال پیام"
	reasonCase    = "خطا در بارگذاری پرونده پزشکی"
	reasonEnd     = "خطا در پایان مکالمه"
	errorPrefix   = "متأسفانه خطایی رخ داده است: "
	opStart       = "start conversation"
	opSend        = "send message"
	opMedicalCase = "fetch medical case"
	opEnd         = "end conversation"
)

// State is a snapshot of the conversation held by the client.
type State struct {
	Messages         []pkg.Message
	MessageCount     int
	AwaitingResponse bool
	Urgency          pkg.UrgencyLevel
}

// ConversationClient talks to the conversation API on behalf of one patient.
// At most one message request is outstanding at a time; a new conversation
// supersedes the previous one, and responses that belong to a superseded
// session are dropped.
type ConversationClient struct {
	baseURL string
	http    HTTPDoer
	clock   Clock
	tokens  TokenProvider
	cb      Callbacks
	logger  zerolog.Logger
	tick    time.Duration

	mu         sync.Mutex
	session    pkg.Session
	generation uint64
	state      State
	stopTimer  func()
}

// New builds a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*ConversationClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("base url %q must be http or https", baseURL)
	}
	o := clientOptions{
		http:   &http.Client{Timeout: 60 * time.Second},
		clock:  systemClock{},
		logger: zerolog.Nop(),
		tick:   time.Second,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.Wrap(err, "apply client option")
		}
	}
	base := strings.TrimRight(baseURL, "/")
	if o.tokens == nil {
		o.tokens = NewFetchingTokenProvider(base, o.http, o.logger)
	}
	return &ConversationClient{
		baseURL: base,
		http:    o.http,
		clock:   o.clock,
		tokens:  o.tokens,
		cb:      o.callbacks,
		logger:  o.logger,
		tick:    o.tick,
		state:   State{Urgency: pkg.UrgencyUnknown},
	}, nil
}

// StartConversation asks the backend for a new conversation.  On success it
// replaces the current session, clears the transcript and appends the
// greeting.  On failure the previous state is left as it was.
func (c *ConversationClient) StartConversation(ctx context.Context) (pkg.Session, error) {
	var resp pkg.StartResponse
	err := c.do(ctx, http.MethodPost, startPath, nil, &resp, opStart, reasonStart)
	if err == nil && resp.SessionID == "" {
		err = &NetworkFailure{Op: opStart, Reason: reasonStart, Err: errors.New("response carries no session id")}
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("could not start conversation")
		c.emitError(err)
		return pkg.Session{}, err
	}

	now := c.clock.Now()
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = now
	}
	sess := pkg.Session{ID: resp.SessionID, ConversationID: resp.ConversationID, StartTime: now}
	greeting := pkg.Message{SessionID: sess.ID, Role: pkg.RoleAssistant, Content: resp.Message, Timestamp: ts}

	c.mu.Lock()
	if c.stopTimer != nil {
		c.stopTimer()
	}
	c.generation++
	c.session = sess
	c.state = State{Messages: []pkg.Message{greeting}, Urgency: pkg.UrgencyUnknown}
	c.stopTimer = c.startTimer(c.generation, now)
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sess.ID).Str("conversation_id", sess.ConversationID).Msg("conversation started")
	if c.cb.SessionStarted != nil {
		c.cb.SessionStarted(sess)
	}
	c.emitMessage(greeting)
	return sess, nil
}

// SendMessage sends text as the patient's next message.  The preconditions
// are checked before any network call: empty input returns ErrEmptyInput,
// an outstanding request returns ErrConcurrentRequest (both silently), and a
// missing session returns ErrNoActiveSession and is reported via Error.
//
// The user message is appended before the request goes out and is kept if
// the request fails; the failure is recorded as one error-role message.
func (c *ConversationClient) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if c.state.AwaitingResponse {
		c.mu.Unlock()
		return ErrConcurrentRequest
	}
	if !c.session.Active() {
		c.mu.Unlock()
		c.emitError(ErrNoActiveSession)
		return ErrNoActiveSession
	}
	gen := c.generation
	sessionID := c.session.ID
	userMsg := pkg.Message{SessionID: sessionID, Role: pkg.RoleUser, Content: text, Timestamp: c.clock.Now()}
	c.state.Messages = append(c.state.Messages, userMsg)
	c.state.MessageCount++
	c.state.AwaitingResponse = true
	c.mu.Unlock()
	c.emitMessage(userMsg)

	var resp pkg.MessageResponse
	err := c.do(ctx, http.MethodPost, messagePath, pkg.MessageRequest{SessionID: sessionID, Message: text}, &resp, opSend, reasonSend)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.logger.Debug().Str("session_id", sessionID).Msg("dropping response for superseded session")
		return ErrSessionSuperseded
	}
	var reply pkg.Message
	if err != nil {
		reply = pkg.Message{SessionID: sessionID, Role: pkg.RoleError, Content: errorPrefix + reasonOf(err), Timestamp: c.clock.Now()}
	} else {
		ts := resp.Timestamp
		if ts.IsZero() {
			ts = c.clock.Now()
		}
		reply = pkg.Message{SessionID: sessionID, Role: pkg.RoleAssistant, Content: resp.Response, Timestamp: ts}
		c.state.MessageCount++
	}
	c.state.Messages = append(c.state.Messages, reply)
	c.state.AwaitingResponse = false
	c.mu.Unlock()

	c.emitMessage(reply)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("could not send message")
		c.emitError(err)
		return err
	}
	c.RefreshUrgency(ctx)
	return nil
}

// FetchMedicalCase returns the backend's current case for the session.  It
// never changes conversation state.
func (c *ConversationClient) FetchMedicalCase(ctx context.Context) (*pkg.MedicalCase, error) {
	c.mu.Lock()
	sessionID := c.session.ID
	c.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}

	var mc pkg.MedicalCase
	err := c.do(ctx, http.MethodGet, medicalCasePath+url.PathEscape(sessionID)+"/", nil, &mc, opMedicalCase, reasonCase)
	if err != nil {
		var nf *NetworkFailure
		if errors.As(err, &nf) && nf.StatusCode == http.StatusNotFound {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	mc.SessionID = sessionID
	mc.UrgencyLevel = pkg.ParseUrgency(string(mc.UrgencyLevel))
	return &mc, nil
}

// EndConversation closes the active session on the backend and returns the
// final medical case, which may be nil.  On success the session is cleared,
// its timer stopped and an in-flight reply dropped; the transcript stays
// readable through State.  On failure nothing changes.
func (c *ConversationClient) EndConversation(ctx context.Context) (*pkg.MedicalCase, error) {
	c.mu.Lock()
	sess, gen := c.session, c.generation
	c.mu.Unlock()
	if !sess.Active() {
		c.emitError(ErrNoActiveSession)
		return nil, ErrNoActiveSession
	}

	var resp pkg.EndResponse
	if err := c.do(ctx, http.MethodPost, endPath, pkg.EndRequest{SessionID: sess.ID}, &resp, opEnd, reasonEnd); err != nil {
		c.logger.Error().Err(err).Str("session_id", sess.ID).Msg("could not end conversation")
		c.emitError(err)
		return nil, err
	}
	mc := resp.MedicalCase
	if mc != nil {
		mc.SessionID = sess.ID
		mc.UrgencyLevel = pkg.ParseUrgency(string(mc.UrgencyLevel))
	}
	closedAt := resp.ClosedAt
	if closedAt.IsZero() {
		closedAt = c.clock.Now()
	}
	sess.ClosedAt = &closedAt

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return mc, ErrSessionSuperseded
	}
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.generation++
	c.session = pkg.Session{}
	c.state.AwaitingResponse = false
	if mc != nil {
		c.state.Urgency = mc.UrgencyLevel
	}
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sess.ID).Msg("conversation ended")
	if c.cb.SessionEnded != nil {
		c.cb.SessionEnded(sess)
	}
	if mc != nil && c.cb.UrgencyUpdated != nil {
		c.cb.UrgencyUpdated(mc.UrgencyLevel)
	}
	return mc, nil
}

// RefreshUrgency fetches the case and publishes its urgency level.  Failures
// are logged and otherwise ignored.
func (c *ConversationClient) RefreshUrgency(ctx context.Context) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	mc, err := c.FetchMedicalCase(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("urgency refresh failed")
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.state.Urgency = mc.UrgencyLevel
	c.mu.Unlock()
	if c.cb.UrgencyUpdated != nil {
		c.cb.UrgencyUpdated(mc.UrgencyLevel)
	}
}

// Session returns the active session, if any.
func (c *ConversationClient) Session() (pkg.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session.Active()
}

// State returns a copy of the conversation state.
func (c *ConversationClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Messages = append([]pkg.Message(nil), c.state.Messages...)
	return s
}

// Elapsed is the time since the active session started, or zero.
func (c *ConversationClient) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.Active() {
		return 0
	}
	return c.clock.Now().Sub(c.session.StartTime)
}

// Close stops the session timer.  The client stays usable.
func (c *ConversationClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

// startTimer must be called with c.mu held.
func (c *ConversationClient) startTimer(gen uint64, start time.Time) func() {
	t := c.clock.NewTicker(c.tick)
	done := make(chan struct{})
	go func() {
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C():
				c.mu.Lock()
				stale := c.generation != gen
				now := c.clock.Now()
				c.mu.Unlock()
				if stale {
					return
				}
				if c.cb.Tick != nil {
					c.cb.Tick(now.Sub(start))
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (c *ConversationClient) do(ctx context.Context, method, path string, in, out any, op, reason string) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &NetworkFailure{Op: op, Reason: reason, Err: errors.Wrap(err, "encode request")}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &NetworkFailure{Op: op, Reason: reason, Err: errors.Wrap(err, "build request")}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(CSRFHeader, c.tokens.Token(ctx))

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkFailure{Op: op, Reason: reason, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		if r, ok := c.tokens.(tokenResetter); ok && resp.StatusCode == http.StatusForbidden {
			// the cached token was rejected; the next request fetches a new one
			r.Reset()
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return &NetworkFailure{Op: op, StatusCode: resp.StatusCode, Reason: reason}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkFailure{Op: op, StatusCode: resp.StatusCode, Reason: reason, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func (c *ConversationClient) emitMessage(m pkg.Message) {
	if c.cb.MessageAppended != nil {
		c.cb.MessageAppended(m)
	}
}

func (c *ConversationClient) emitError(err error) {
	if c.cb.Error != nil {
		c.cb.Error(err)
	}
}

func reasonOf(err error) string {
	var nf *NetworkFailure
	if errors.As(err, &nf) && nf.Reason != "" {
		return nf.Reason
	}
	return err.Error()
}
