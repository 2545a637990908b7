package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waitroom-intake/pkg"
)

type fakeBackend struct {
	mu sync.Mutex

	starts      int
	sends       int
	caseGets    int
	nextID      int
	tokens      []string
	lastSend    pkg.MessageRequest
	startCode   int
	sendCode    int
	caseCode    int
	endCode     int
	ends        []string
	urgency     pkg.UrgencyLevel
	sendGate    chan struct{} // when set, message requests wait on it
	sendEntered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		startCode: http.StatusOK,
		sendCode:  http.StatusOK,
		caseCode:  http.StatusOK,
		endCode:   http.StatusOK,
		urgency:   pkg.UrgencyMedium,
	}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.tokens = append(b.tokens, r.Header.Get(CSRFHeader))
	b.mu.Unlock()

	switch {
	case r.URL.Path == startPath && r.Method == http.MethodPost:
		b.mu.Lock()
		b.starts++
		b.nextID++
		id := "S" + string(rune('0'+b.nextID))
		code := b.startCode
		b.mu.Unlock()
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, pkg.StartResponse{
			SessionID:      id,
			ConversationID: "C-" + id,
			Message:        "سلام",
			Timestamp:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		})
	case r.URL.Path == messagePath && r.Method == http.MethodPost:
		var req pkg.MessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.sends++
		b.lastSend = req
		gate, entered := b.sendGate, b.sendEntered
		code := b.sendCode
		b.mu.Unlock()
		if entered != nil {
			entered <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, pkg.MessageResponse{Response: "پاسخ به " + req.Message, Timestamp: time.Now()})
	case r.URL.Path == endPath && r.Method == http.MethodPost:
		var req pkg.EndRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.ends = append(b.ends, req.SessionID)
		code, urgency := b.endCode, b.urgency
		b.mu.Unlock()
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, pkg.EndResponse{
			SessionID:   req.SessionID,
			ClosedAt:    time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
			MedicalCase: &pkg.MedicalCase{ChiefComplaint: "سردرد", UrgencyLevel: urgency},
		})
	case strings.HasPrefix(r.URL.Path, medicalCasePath) && r.Method == http.MethodGet:
		b.mu.Lock()
		b.caseGets++
		code, urgency := b.caseCode, b.urgency
		b.mu.Unlock()
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, map[string]any{
			"chief_complaint": "سردرد",
			"medical_history": "",
			"medications":     "",
			"urgency_level":   urgency,
			"symptoms":        map[string]string{"سردرد": "۳ روز"},
		})
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) set(f func(b *fakeBackend)) {
	b.mu.Lock()
	f(b)
	b.mu.Unlock()
}

func (b *fakeBackend) lastRequest() pkg.MessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSend
}

func (b *fakeBackend) seenTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

func (b *fakeBackend) counts() (starts, sends, caseGets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.sends, b.caseGets
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) NewTicker(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *fakeClock) ticker(i int) *fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[i]
}

type fakeTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type recorder struct {
	mu       sync.Mutex
	messages []pkg.Message
	sessions []pkg.Session
	ended    []pkg.Session
	urgency  []pkg.UrgencyLevel
	errs     []error
	ticks    chan time.Duration
}

func newRecorder() *recorder { return &recorder{ticks: make(chan time.Duration, 16)} }

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		MessageAppended: func(m pkg.Message) { r.mu.Lock(); r.messages = append(r.messages, m); r.mu.Unlock() },
		SessionStarted:  func(s pkg.Session) { r.mu.Lock(); r.sessions = append(r.sessions, s); r.mu.Unlock() },
		SessionEnded:    func(s pkg.Session) { r.mu.Lock(); r.ended = append(r.ended, s); r.mu.Unlock() },
		UrgencyUpdated:  func(u pkg.UrgencyLevel) { r.mu.Lock(); r.urgency = append(r.urgency, u); r.mu.Unlock() },
		Error:           func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
		Tick:            func(d time.Duration) { r.ticks <- d },
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	server  *httptest.Server
	backend *fakeBackend
	clock   *fakeClock
	rec     *recorder
	client  *ConversationClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := newFakeBackend()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	clk := newFakeClock()
	rec := newRecorder()
	c, err := New(srv.URL,
		WithHTTPClient(srv.Client()),
		WithClock(clk),
		WithTokenProvider(StaticToken("tok-1")),
		WithCallbacks(rec.callbacks()),
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &harness{server: srv, backend: b, clock: clk, rec: rec, client: c}
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)
	_, err = New("http://example.com", WithTickInterval(0))
	require.Error(t, err)
}

func TestStartConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)
	require.Equal(t, "S1", sess.ID)
	require.Equal(t, "C-S1", sess.ConversationID)
	require.Equal(t, h.clock.Now(), sess.StartTime)

	st := h.client.State()
	require.Equal(t, 0, st.MessageCount)
	require.False(t, st.AwaitingResponse)
	require.Equal(t, pkg.UrgencyUnknown, st.Urgency)
	require.Len(t, st.Messages, 1)
	require.Equal(t, pkg.RoleAssistant, st.Messages[0].Role)
	require.Equal(t, "سلام", st.Messages[0].Content)

	require.Equal(t, []pkg.Session{sess}, h.rec.sessions)
	require.Len(t, h.rec.messages, 1)
	require.Equal(t, []string{"tok-1"}, h.backend.seenTokens())
}

func TestStartConversation_SupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, h.client.SendMessage(ctx, "سردرد دارم"))
	require.Equal(t, 2, h.client.State().MessageCount)

	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)
	require.Equal(t, "S2", sess.ID)
	st := h.client.State()
	require.Equal(t, 0, st.MessageCount)
	require.Len(t, st.Messages, 1)
	require.Equal(t, pkg.UrgencyUnknown, st.Urgency)
	require.Eventually(t, func() bool { return h.clock.ticker(0).stopped.Load() }, 2*time.Second, 10*time.Millisecond)
	require.False(t, h.clock.ticker(1).stopped.Load())
}

func TestStartConversation_FailureKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.set(func(b *fakeBackend) { b.startCode = http.StatusInternalServerError })
	_, err := h.client.StartConversation(ctx)
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)
	require.Equal(t, http.StatusInternalServerError, nf.StatusCode)
	require.Equal(t, reasonStart, nf.Reason)
	_, ok := h.client.Session()
	require.False(t, ok)
	require.Len(t, h.rec.errors(), 1)

	h.backend.set(func(b *fakeBackend) { b.startCode = http.StatusOK })
	first, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	h.backend.set(func(b *fakeBackend) { b.startCode = http.StatusBadGateway })
	_, err = h.client.StartConversation(ctx)
	require.Error(t, err)
	cur, ok := h.client.Session()
	require.True(t, ok)
	require.Equal(t, first, cur)
	require.Len(t, h.client.State().Messages, 1)
}

func TestSendMessage_EmptyInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)
	before := h.client.State()

	for _, in := range []string{"", "   ", "\n\t"} {
		require.ErrorIs(t, h.client.SendMessage(ctx, in), ErrEmptyInput)
	}
	require.Equal(t, before, h.client.State())
	_, sends, _ := h.backend.counts()
	require.Zero(t, sends)
	require.Empty(t, h.rec.errors())
}

func TestSendMessage_NoSession(t *testing.T) {
	h := newHarness(t)
	err := h.client.SendMessage(context.Background(), "سلام")
	require.ErrorIs(t, err, ErrNoActiveSession)
	_, sends, _ := h.backend.counts()
	require.Zero(t, sends)
	require.Equal(t, []error{ErrNoActiveSession}, h.rec.errors())
	require.Empty(t, h.client.State().Messages)
}

func TestSendMessage_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, h.client.SendMessage(ctx, "  سردرد دارم  "))
	require.Equal(t, pkg.MessageRequest{SessionID: "S1", Message: "سردرد دارم"}, h.backend.lastRequest())

	st := h.client.State()
	require.Equal(t, 2, st.MessageCount)
	require.False(t, st.AwaitingResponse)
	require.Len(t, st.Messages, 3)
	require.Equal(t, pkg.RoleUser, st.Messages[1].Role)
	require.Equal(t, "سردرد دارم", st.Messages[1].Content)
	require.Equal(t, pkg.RoleAssistant, st.Messages[2].Role)
	require.Equal(t, "پاسخ به سردرد دارم", st.Messages[2].Content)

	require.Equal(t, pkg.UrgencyMedium, st.Urgency)
	require.Equal(t, []pkg.UrgencyLevel{pkg.UrgencyMedium}, h.rec.urgency)
	_, _, caseGets := h.backend.counts()
	require.Equal(t, 1, caseGets)

	require.NoError(t, h.client.SendMessage(ctx, "از دیروز"))
	require.Equal(t, 4, h.client.State().MessageCount)
}

func TestSendMessage_Failure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	h.backend.set(func(b *fakeBackend) { b.sendCode = http.StatusInternalServerError })
	err = h.client.SendMessage(ctx, "سردرد دارم")
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)

	st := h.client.State()
	require.Equal(t, 1, st.MessageCount)
	require.False(t, st.AwaitingResponse)
	require.Len(t, st.Messages, 3)
	require.Equal(t, pkg.RoleUser, st.Messages[1].Role)
	require.Equal(t, pkg.RoleError, st.Messages[2].Role)
	require.Equal(t, errorPrefix+reasonSend, st.Messages[2].Content)
	require.Len(t, h.rec.errors(), 1)

	// no urgency refresh after a failed send
	_, _, caseGets := h.backend.counts()
	require.Zero(t, caseGets)

	// the user can reissue manually
	h.backend.set(func(b *fakeBackend) { b.sendCode = http.StatusOK })
	require.NoError(t, h.client.SendMessage(ctx, "سردرد دارم"))
	require.Equal(t, 3, h.client.State().MessageCount)
}

func TestSendMessage_ConcurrentIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.backend.set(func(b *fakeBackend) { b.sendGate, b.sendEntered = gate, entered })

	done := make(chan error, 1)
	go func() { done <- h.client.SendMessage(ctx, "اول") }()
	<-entered
	require.True(t, h.client.State().AwaitingResponse)

	require.ErrorIs(t, h.client.SendMessage(ctx, "دوم"), ErrConcurrentRequest)
	close(gate)
	require.NoError(t, <-done)

	_, sends, _ := h.backend.counts()
	require.Equal(t, 1, sends)
	st := h.client.State()
	require.Equal(t, 2, st.MessageCount)
	require.Empty(t, h.rec.errors())
}

func TestSendMessage_StaleResponseDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.backend.set(func(b *fakeBackend) { b.sendGate, b.sendEntered = gate, entered })

	done := make(chan error, 1)
	go func() { done <- h.client.SendMessage(ctx, "پیام قدیمی") }()
	<-entered

	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)
	require.Equal(t, "S2", sess.ID)
	require.False(t, h.client.State().AwaitingResponse)

	close(gate)
	require.ErrorIs(t, <-done, ErrSessionSuperseded)

	st := h.client.State()
	require.Equal(t, 0, st.MessageCount)
	require.Len(t, st.Messages, 1)
	require.Equal(t, "S2", st.Messages[0].SessionID)
}

func TestFetchMedicalCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.FetchMedicalCase(ctx)
	require.ErrorIs(t, err, ErrNoActiveSession)
	_, _, caseGets := h.backend.counts()
	require.Zero(t, caseGets)

	_, err = h.client.StartConversation(ctx)
	require.NoError(t, err)
	before := h.client.State()

	h.backend.set(func(b *fakeBackend) { b.urgency = "EMERGENCY" })
	mc, err := h.client.FetchMedicalCase(ctx)
	require.NoError(t, err)
	require.Equal(t, "S1", mc.SessionID)
	require.Equal(t, "سردرد", mc.ChiefComplaint)
	require.Equal(t, pkg.UrgencyEmergency, mc.UrgencyLevel)
	require.Equal(t, map[string]string{"سردرد": "۳ روز"}, mc.Symptoms)

	h.backend.set(func(b *fakeBackend) { b.caseCode = http.StatusNotFound })
	_, err = h.client.FetchMedicalCase(ctx)
	require.ErrorIs(t, err, ErrCaseNotFound)

	h.backend.set(func(b *fakeBackend) { b.caseCode = http.StatusInternalServerError })
	_, err = h.client.FetchMedicalCase(ctx)
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)

	require.Equal(t, before, h.client.State())
	require.Empty(t, h.rec.errors())
}

func TestRefreshUrgency_FailureIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	h.backend.set(func(b *fakeBackend) { b.caseCode = http.StatusNotFound })
	require.NoError(t, h.client.SendMessage(ctx, "سردرد دارم"))
	require.Equal(t, pkg.UrgencyUnknown, h.client.State().Urgency)
	require.Empty(t, h.rec.urgency)
	require.Empty(t, h.rec.errors())
}

func TestTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Zero(t, h.client.Elapsed())

	_, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	h.clock.Advance(3 * time.Second)
	require.Equal(t, 3*time.Second, h.client.Elapsed())
	h.clock.ticker(0).c <- h.clock.Now()
	select {
	case d := <-h.rec.ticks:
		require.Equal(t, 3*time.Second, d)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	_, err = h.client.StartConversation(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.clock.ticker(0).stopped.Load() }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, h.client.Elapsed())

	h.client.Close()
	require.Eventually(t, func() bool { return h.clock.ticker(1).stopped.Load() }, 2*time.Second, 10*time.Millisecond)
}

func TestSendMessage_TransportFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = h.client.SendMessage(cancelled, "سردرد دارم")
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)
	require.Zero(t, nf.StatusCode)
	require.ErrorIs(t, err, context.Canceled)

	st := h.client.State()
	require.Equal(t, 1, st.MessageCount)
	require.False(t, st.AwaitingResponse)
	require.Len(t, st.Messages, 3)
	require.Equal(t, pkg.RoleUser, st.Messages[1].Role)
	require.Equal(t, pkg.RoleError, st.Messages[2].Role)
	require.Equal(t, errorPrefix+reasonSend, st.Messages[2].Content)
	cur, ok := h.client.Session()
	require.True(t, ok)
	require.Equal(t, sess, cur)
	require.Len(t, h.rec.errors(), 1)
}

func TestServerGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	h.server.Close()

	_, err = h.client.StartConversation(ctx)
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)
	require.Zero(t, nf.StatusCode)
	require.Equal(t, reasonStart, nf.Reason)
	cur, ok := h.client.Session()
	require.True(t, ok)
	require.Equal(t, sess, cur)

	require.ErrorAs(t, h.client.SendMessage(ctx, "سردرد دارم"), &nf)
	st := h.client.State()
	require.Equal(t, 1, st.MessageCount)
	require.False(t, st.AwaitingResponse)
	require.Len(t, st.Messages, 3)
	require.Equal(t, pkg.RoleError, st.Messages[2].Role)
	cur, ok = h.client.Session()
	require.True(t, ok)
	require.Equal(t, sess, cur)
	require.Len(t, h.rec.errors(), 2)
}

func TestEndConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.EndConversation(ctx)
	require.ErrorIs(t, err, ErrNoActiveSession)
	require.Equal(t, []error{ErrNoActiveSession}, h.rec.errors())

	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, h.client.SendMessage(ctx, "سردرد دارم"))

	h.backend.set(func(b *fakeBackend) { b.urgency = pkg.UrgencyHigh })
	mc, err := h.client.EndConversation(ctx)
	require.NoError(t, err)
	require.Equal(t, "S1", mc.SessionID)
	require.Equal(t, pkg.UrgencyHigh, mc.UrgencyLevel)
	h.backend.set(func(b *fakeBackend) { require.Equal(t, []string{"S1"}, b.ends) })

	_, ok := h.client.Session()
	require.False(t, ok)
	st := h.client.State()
	require.Len(t, st.Messages, 3)
	require.Equal(t, pkg.UrgencyHigh, st.Urgency)
	require.Len(t, h.rec.ended, 1)
	require.Equal(t, sess.ID, h.rec.ended[0].ID)
	require.True(t, h.rec.ended[0].Closed())
	require.Eventually(t, func() bool { return h.clock.ticker(0).stopped.Load() }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, h.client.Elapsed())

	require.ErrorIs(t, h.client.SendMessage(ctx, "سلام"), ErrNoActiveSession)
}

func TestEndConversation_FailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.client.StartConversation(ctx)
	require.NoError(t, err)

	h.backend.set(func(b *fakeBackend) { b.endCode = http.StatusInternalServerError })
	_, err = h.client.EndConversation(ctx)
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)
	require.Equal(t, reasonEnd, nf.Reason)

	cur, ok := h.client.Session()
	require.True(t, ok)
	require.Equal(t, sess, cur)
	require.Empty(t, h.rec.ended)
	require.Len(t, h.rec.errors(), 1)
}
