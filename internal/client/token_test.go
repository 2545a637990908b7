package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFetchingTokenProvider(t *testing.T) {
	var (
		calls  atomic.Int32
		status atomic.Int32
	)
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != startPath || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, map[string]string{"csrf_token": "abc.def"})
	}))
	defer srv.Close()

	p := NewFetchingTokenProvider(srv.URL, srv.Client(), zerolog.Nop())
	ctx := context.Background()

	// failures fall back without caching
	require.Equal(t, fallbackToken, p.Token(ctx))
	require.EqualValues(t, 1, calls.Load())

	status.Store(http.StatusOK)
	require.Equal(t, "abc.def", p.Token(ctx))
	require.Equal(t, "abc.def", p.Token(ctx))
	require.EqualValues(t, 2, calls.Load())

	p.Reset()
	require.Equal(t, "abc.def", p.Token(ctx))
	require.EqualValues(t, 3, calls.Load())
}

func TestClientUsesFetchedToken(t *testing.T) {
	b := newFakeBackend()
	mux := http.NewServeMux()
	mux.HandleFunc(startPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, map[string]string{"csrf_token": "fetched"})
			return
		}
		b.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL+"/", WithHTTPClient(srv.Client()), WithClock(newFakeClock()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.StartConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"fetched"}, b.seenTokens())
}

func TestClientRefetchesTokenAfterForbidden(t *testing.T) {
	b := newFakeBackend()
	var issued atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(startPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			n := issued.Add(1)
			writeJSON(w, map[string]string{"csrf_token": fmt.Sprintf("tok-%d", n)})
			return
		}
		// the first token has expired on the backend
		if r.Header.Get(CSRFHeader) == "tok-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		b.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithClock(newFakeClock()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.StartConversation(context.Background())
	var nf *NetworkFailure
	require.ErrorAs(t, err, &nf)
	require.Equal(t, http.StatusForbidden, nf.StatusCode)

	_, err = c.StartConversation(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, issued.Load())
	require.Equal(t, []string{"tok-2"}, b.seenTokens())
}
