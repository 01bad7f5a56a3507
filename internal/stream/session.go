package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/marketmux/marketmux/internal/marketdata"
)

// Authenticator is the opaque authorization collaborator. The stream layer
// only needs to know whether credentials are live and how to obtain signed
// handshake headers; protocol details (OAuth, RSA-PSS) live behind this
// interface.
type Authenticator interface {
	// IsAuthenticated reports whether a usable credential is held.
	IsAuthenticated() bool

	// Authorize performs the authorization handshake. verify is invoked
	// with a URL the user must visit and returns the verification code
	// they received.
	Authorize(ctx context.Context, verify func(authURL string) (code string, err error)) error

	// Headers returns the signed headers for a WebSocket upgrade request.
	Headers() (http.Header, error)
}

// Session is an authenticated stream connection for a single provider.
type Session struct {
	Provider marketdata.Provider
	Client   *WSClient
	Adapter  *BookAdapter

	cancel context.CancelFunc
}

// SessionManager owns the authenticated stream sessions, keyed by provider.
// Sessions are isolated: one provider's reconnect churn never touches
// another's.
type SessionManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[marketdata.Provider]*Session
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	return &SessionManager{
		logger:   logger,
		sessions: make(map[marketdata.Provider]*Session),
	}
}

// Open authenticates, dials the provider's stream endpoint, and starts an
// adapter feeding sink. When the provider holds no live credential, the
// authorization handshake runs first: verify is invoked with the URL the
// user must visit and returns the verification code. A nil verify means no
// interactive handshake is possible, so missing credentials are an error.
// Open fails if a session for the provider is already open.
func (sm *SessionManager) Open(ctx context.Context, provider marketdata.Provider, cfg WSConfig, auth Authenticator, verify func(authURL string) (code string, err error), sink marketdata.BookSink) (*Session, error) {
	sm.mu.Lock()
	if _, exists := sm.sessions[provider]; exists {
		sm.mu.Unlock()
		return nil, fmt.Errorf("stream: session for %q already open", provider)
	}
	sm.mu.Unlock()

	if auth != nil {
		if !auth.IsAuthenticated() {
			if verify == nil {
				return nil, fmt.Errorf("stream: provider %q not authenticated", provider)
			}
			if err := auth.Authorize(ctx, verify); err != nil {
				return nil, fmt.Errorf("stream: authorize %q: %w", provider, err)
			}
		}
		headers, err := auth.Headers()
		if err != nil {
			return nil, fmt.Errorf("stream: auth headers for %q: %w", provider, err)
		}
		cfg.Headers = headers
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	client := NewWSClient(cfg, sm.logger)
	adapter := NewBookAdapter(client, sink, sm.logger)

	if err := client.Connect(sessionCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("stream: connect %q: %w", provider, err)
	}
	go adapter.Run(sessionCtx)

	session := &Session{
		Provider: provider,
		Client:   client,
		Adapter:  adapter,
		cancel:   cancel,
	}

	sm.mu.Lock()
	sm.sessions[provider] = session
	sm.mu.Unlock()

	return session, nil
}

// Get returns the open session for provider, if any.
func (sm *SessionManager) Get(provider marketdata.Provider) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[provider]
	return s, ok
}

// Close tears down the session for provider. Unknown providers are a no-op.
func (sm *SessionManager) Close(provider marketdata.Provider) {
	sm.mu.Lock()
	session, ok := sm.sessions[provider]
	if ok {
		delete(sm.sessions, provider)
	}
	sm.mu.Unlock()

	if !ok {
		return
	}
	session.cancel()
	session.Client.Close()
}

// CloseAll tears down every open session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[marketdata.Provider]*Session)
	sm.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		s.Client.Close()
	}
}
