package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"waitroom-intake/pkg"
)

// CSRFHeader is the anti-forgery header attached to every request.
const CSRFHeader = "X-CSRFToken"

// fallbackToken is sent when no token could be obtained, so the request
// still goes out and the backend decides.
const fallbackToken = "dummy-token"

// TokenProvider supplies the anti-forgery token for outgoing requests.
type TokenProvider interface {
	Token(ctx context.Context) string
}

// tokenResetter is implemented by providers that cache.  The client calls
// Reset when the backend answers 403.
type tokenResetter interface {
	Reset()
}

// StaticToken is a TokenProvider for a token known up front.
type StaticToken string

func (t StaticToken) Token(context.Context) string { return string(t) }

// FetchingTokenProvider obtains the token from GET on the start endpoint and
// caches it.  Failed fetches are not cached: the fallback token is used for
// that request and the next call tries again.
type FetchingTokenProvider struct {
	URL    string
	HTTP   HTTPDoer
	Logger zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewFetchingTokenProvider builds a provider for the backend at baseURL.
func NewFetchingTokenProvider(baseURL string, doer HTTPDoer, logger zerolog.Logger) *FetchingTokenProvider {
	return &FetchingTokenProvider{URL: baseURL + startPath, HTTP: doer, Logger: logger}
}

func (p *FetchingTokenProvider) Token(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token
	}
	tok, err := p.fetch(ctx)
	if err != nil {
		p.Logger.Warn().Err(err).Msg("could not fetch csrf token, using fallback")
		return fallbackToken
	}
	p.token = tok
	return tok
}

// Reset drops the cached token.  The client calls it after a 403.
func (p *FetchingTokenProvider) Reset() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

func (p *FetchingTokenProvider) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch token")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", errors.Errorf("fetch token: unexpected status %d", resp.StatusCode)
	}
	var body pkg.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decode token")
	}
	if body.CSRFToken == "" {
		return "", errors.New("empty token in response")
	}
	return body.CSRFToken, nil
}
