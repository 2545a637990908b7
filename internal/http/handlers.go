package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"waitroom-intake/internal/core"
	"waitroom-intake/internal/db"
	"waitroom-intake/pkg"
)

// CaseNotifier is told when a session's medical case changes.
type CaseNotifier interface {
	Notify(ctx context.Context, sessionID string) error
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Store      db.Store
	Chat       *core.ChatService
	Extractor  *core.CaseExtractor
	Notifier   CaseNotifier
	CSRF       *CSRF
	MessageCap int
	Logger     zerolog.Logger

	// caseLocks holds one *sync.Mutex per session so merges never
	// interleave.
	caseLocks sync.Map
	events    *caseEvents
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer constructs a Server.  notifier may be nil.
func NewServer(store db.Store, chat *core.ChatService, extractor *core.CaseExtractor, notifier CaseNotifier, csrf *CSRF, messageCap int, logger zerolog.Logger) (*Server, error) {
	if store == nil || chat == nil || extractor == nil || csrf == nil {
		return nil, errors.New("store, chat, extractor and csrf are required")
	}
	if messageCap <= 0 {
		return nil, errors.Errorf("message cap must be positive, got %d", messageCap)
	}
	return &Server{
		Store:      store,
		Chat:       chat,
		Extractor:  extractor,
		Notifier:   notifier,
		CSRF:       csrf,
		MessageCap: messageCap,
		Logger:     logger,
		events:     newCaseEvents(),
		done:       make(chan struct{}),
	}, nil
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	// Anti-forgery token: GET /api/conversation/start/
	case path == "/api/conversation/start/" && r.Method == http.MethodGet:
		s.handleToken(w, r)
	// New conversation: POST /api/conversation/start/
	case path == "/api/conversation/start/" && r.Method == http.MethodPost:
		if s.checkCSRF(w, r) {
			s.handleStart(w, r)
		}
	// Patient message: POST /api/conversation/message/
	case path == "/api/conversation/message/" && r.Method == http.MethodPost:
		if s.checkCSRF(w, r) {
			s.handleMessage(w, r)
		}
	// Close a conversation: POST /api/conversation/end/
	case path == "/api/conversation/end/" && r.Method == http.MethodPost:
		if s.checkCSRF(w, r) {
			s.handleEnd(w, r)
		}
	// Medical case: GET /api/medical-case/{session_id}/ and .../stream/
	case strings.HasPrefix(path, "/api/medical-case/") && r.Method == http.MethodGet:
		parts := splitPath(strings.TrimPrefix(path, "/api/medical-case/"))
		switch {
		case len(parts) == 1:
			s.handleMedicalCase(w, r, parts[0])
		case len(parts) == 2 && parts[1] == "stream":
			s.handleCaseStream(w, r, parts[0])
		default:
			http.NotFound(w, r)
		}
	// Doctor waiting list: GET /api/doctor/sessions/
	case path == "/api/doctor/sessions/" && r.Method == http.MethodGet:
		s.handleDoctorSessions(w, r)
	// Doctor view of one session: GET /api/doctor/sessions/{session_id}/
	case strings.HasPrefix(path, "/api/doctor/sessions/") && r.Method == http.MethodGet:
		parts := splitPath(strings.TrimPrefix(path, "/api/doctor/sessions/"))
		if len(parts) != 1 {
			http.NotFound(w, r)
			return
		}
		s.handleDoctorSession(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

// Publish wakes the case streams of a session.  The server calls it after
// its own updates; cmd/server also feeds it from the Postgres listener so
// streams see updates made by other instances.
func (s *Server) Publish(sessionID string) { s.events.publish(sessionID) }

// Close ends open case streams.  Register it with http.Server.RegisterOnShutdown.
func (s *Server) Close() { s.closeOnce.Do(func() { close(s.done) }) }

// Wait blocks until background notifications have been sent.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	if !s.CSRF.Valid(r.Header.Get(CSRFHeader)) {
		s.Logger.Warn().Str("path", r.URL.Path).Msg("rejected request with invalid csrf token")
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.CSRF.Issue()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, pkg.TokenResponse{CSRFToken: tok})
}

// handleStart creates a new session and stores the greeting as its first
// message.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID, err := gonanoid.New()
	if err != nil {
		s.fail(w, r, errors.Wrap(err, "generate conversation id"))
		return
	}
	sess := &pkg.Session{ConversationID: convID}
	if err := s.Store.CreateSession(ctx, sess, s.MessageCap); err != nil {
		s.fail(w, r, err)
		return
	}
	greeting, err := s.Store.CreateMessage(ctx, sess.ID, pkg.RoleAssistant, core.FirstMessage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Logger.Info().Str("session_id", sess.ID).Str("conversation_id", convID).Msg("conversation started")
	writeJSON(w, pkg.StartResponse{
		SessionID:      sess.ID,
		ConversationID: convID,
		Message:        greeting.Content,
		Timestamp:      greeting.Timestamp,
	})
}

// handleMessage stores a patient message, generates the assistant reply and
// refreshes the medical case before answering, so the client's urgency
// refresh sees the case that includes this message.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req pkg.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	content := strings.TrimSpace(req.Message)
	if content == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}
	sess, ok := s.loadSession(w, r, req.SessionID)
	if !ok {
		return
	}
	if sess.Closed() {
		http.Error(w, "session closed", http.StatusConflict)
		return
	}
	// Enforce message cap
	limit := sess.MessageCap
	if limit <= 0 {
		limit = s.MessageCap
	}
	count, err := s.Store.CountUserMessages(ctx, sess.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if count >= limit {
		capMsg, err := s.Store.CreateMessage(ctx, sess.ID, pkg.RoleAssistant, core.CapMessage)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, pkg.MessageResponse{Response: capMsg.Content, Timestamp: capMsg.Timestamp})
		return
	}

	transcript, err := s.Store.GetTranscript(ctx, sess.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.Store.CreateMessage(ctx, sess.ID, pkg.RoleUser, content); err != nil {
		s.fail(w, r, err)
		return
	}
	reply, err := s.Chat.Reply(ctx, transcript, content)
	if err != nil {
		// the fallback reply still goes to the patient
		s.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("llm reply failed")
	}
	botMsg, err := s.Store.CreateMessage(ctx, sess.ID, pkg.RoleAssistant, reply)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.refreshCase(ctx, sess.ID) {
		s.publish(sess.ID)
	}
	writeJSON(w, pkg.MessageResponse{Response: botMsg.Content, Timestamp: botMsg.Timestamp})
}

// refreshCase re-extracts the medical case from the full transcript and
// stores it.  Failures are logged; the conversation goes on without an
// updated case.  It reports whether the case was stored.
func (s *Server) refreshCase(ctx context.Context, sessionID string) bool {
	logger := s.Logger.With().Str("session_id", sessionID).Logger()

	mu, _ := s.caseLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	transcript, err := s.Store.GetTranscript(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load transcript")
		return false
	}
	existing, err := s.Store.GetMedicalCase(ctx, sessionID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.Error().Err(err).Msg("failed to load medical case")
		return false
	}
	updated, err := s.Extractor.Extract(ctx, sessionID, transcript, existing)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to extract medical case")
		return false
	}
	if err := s.Store.UpsertMedicalCase(ctx, updated); err != nil {
		logger.Error().Err(err).Msg("failed to store medical case")
		return false
	}
	logger.Debug().Str("urgency", string(updated.UrgencyLevel)).Msg("medical case updated")
	return true
}

// publish wakes local streams and notifies other listeners in the
// background.
func (s *Server) publish(sessionID string) {
	s.events.publish(sessionID)
	if s.Notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Notifier.Notify(ctx, sessionID); err != nil {
			s.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to notify case update")
		}
	}()
}

// handleEnd closes a session.  Later messages are rejected with 409.  The
// final medical case is returned with the closing time.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req pkg.EndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	sess, err := s.Store.EndSession(ctx, req.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	mc, err := s.Store.GetMedicalCase(ctx, sess.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	s.Logger.Info().Str("session_id", sess.ID).Msg("conversation ended")
	s.publish(sess.ID)
	writeJSON(w, pkg.EndResponse{SessionID: sess.ID, ClosedAt: *sess.ClosedAt, MedicalCase: mc})
}

func (s *Server) handleMedicalCase(w http.ResponseWriter, r *http.Request, sessionID string) {
	c, err := s.Store.GetMedicalCase(r.Context(), sessionID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "medical case not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, withSymptoms(c))
}

// handleCaseStream streams case_update events for a session using SSE.  The
// current case, if any, is sent first; every later update follows as it is
// published.  When the session is closed a session_closed event ends the
// stream.
func (s *Server) handleCaseStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	if _, ok := s.loadSession(w, r, sessionID); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, unsubscribe := s.events.subscribe(sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.Logger.With().Str("session_id", sessionID).Logger()
	var last time.Time
	for {
		c, err := s.Store.GetMedicalCase(ctx, sessionID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			logger.Error().Err(err).Msg("failed to load medical case for stream")
			return
		case !c.UpdatedAt.Equal(last):
			last = c.UpdatedAt
			if err := writeEvent(w, "case_update", withSymptoms(c)); err != nil {
				return
			}
		}
		sess, err := s.Store.GetSession(ctx, sessionID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load session for stream")
			return
		}
		if sess.Closed() {
			_ = writeEvent(w, "session_closed", sess)
			flusher.Flush()
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-updates:
		}
	}
}

// handleDoctorSessions returns open sessions, most urgent first.  Doctors can
// consume this endpoint to build custom dashboards.
func (s *Server) handleDoctorSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListActiveSessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UrgencyLevel.Severity() > sessions[j].UrgencyLevel.Severity()
	})
	if sessions == nil {
		sessions = []pkg.SessionOverview{}
	}
	writeJSON(w, sessions)
}

// handleDoctorSession returns a session with its medical case and
// transcript.
func (s *Server) handleDoctorSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	sess, ok := s.loadSession(w, r, sessionID)
	if !ok {
		return
	}
	c, err := s.Store.GetMedicalCase(ctx, sessionID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	transcript, err := s.Store.GetTranscript(ctx, sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if transcript == nil {
		transcript = []pkg.Message{}
	}
	detail := pkg.SessionDetail{Session: *sess, Transcript: transcript}
	if c != nil {
		detail.MedicalCase = withSymptoms(c)
	}
	writeJSON(w, detail)
}

// loadSession writes 404 for unknown sessions and 500 for store failures.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request, sessionID string) (*pkg.Session, bool) {
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func withSymptoms(c *pkg.MedicalCase) *pkg.MedicalCase {
	if c.Symptoms == nil {
		c.Symptoms = map[string]string{}
	}
	return c
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return errors.Wrap(err, "write event")
}
