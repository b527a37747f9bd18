package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// refreshMargin is how close to expiry a token is still considered usable.
const refreshMargin = 2 * time.Minute

// Storage persists credentials across restarts. A nil token with a nil error
// means no credential is stored.
type Storage interface {
	Credential(ctx context.Context, account string) (*Token, error)
	SaveCredential(ctx context.Context, account string, tok *Token) error
	DeleteCredential(ctx context.Context, account string) error
}

// Manager owns one refreshable credential per account. Refreshing is not
// idempotent against the remote token store, so at most one refresh is in
// flight per account; concurrent callers wait for its result.
type Manager struct {
	cfg     *oauth2.Config
	storage Storage
	log     *zap.Logger
	now     func() time.Time
	refresh func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	mu       sync.Mutex
	accounts map[string]*accountState
}

type accountState struct {
	mu  sync.Mutex
	tok *Token
}

func NewManager(clientID, clientSecret, redirectURI string, storage Storage, log *zap.Logger) *Manager {
	m := &Manager{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.readonly",
				"https://www.googleapis.com/auth/gmail.labels",
				"https://www.googleapis.com/auth/gmail.modify",
				"https://www.googleapis.com/auth/gmail.send",
			},
		},
		storage:  storage,
		log:      log,
		now:      time.Now,
		accounts: make(map[string]*accountState),
	}
	m.refresh = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		src := m.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		return src.Token()
	}
	return m
}

// AuthCodeURL builds the consent URL for the authorization redirect flow.
// Offline access with forced consent is required to obtain a refresh token.
func (m *Manager) AuthCodeURL(state string) string {
	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a credential and persists it.
func (m *Manager) Exchange(ctx context.Context, account, code string) (*Token, error) {
	ot, err := m.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	tok := &Token{AccessToken: ot.AccessToken, RefreshToken: ot.RefreshToken, Expiry: ot.Expiry}
	if err := m.storage.SaveCredential(ctx, account, tok); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	st := m.state(account)
	st.mu.Lock()
	st.tok = tok
	st.mu.Unlock()
	m.log.Info("credential stored", zap.String("account", account))
	return tok, nil
}

// Credential returns a usable credential for the account, refreshing when
// stale. Returns ErrAuthRequired when nothing is stored and ErrRefreshFailed
// when the provider rejects the refresh.
func (m *Manager) Credential(ctx context.Context, account string) (*Token, error) {
	st := m.state(account)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.tok == nil {
		stored, err := m.storage.Credential(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("load credential: %w", err)
		}
		if stored == nil {
			return nil, ErrAuthRequired
		}
		st.tok = stored
	}

	if !m.stale(st.tok) {
		return st.tok, nil
	}
	return m.refreshLocked(ctx, account, st)
}

// Revoke drops the account's credential from memory and durable storage.
func (m *Manager) Revoke(ctx context.Context, account string) error {
	st := m.state(account)
	st.mu.Lock()
	st.tok = nil
	st.mu.Unlock()
	return m.storage.DeleteCredential(ctx, account)
}

// TokenSource adapts the manager to oauth2.TokenSource for one account, so
// API clients pick up refreshed credentials transparently.
func (m *Manager) TokenSource(ctx context.Context, account string) oauth2.TokenSource {
	return &managerSource{ctx: ctx, m: m, account: account}
}

type managerSource struct {
	ctx     context.Context
	m       *Manager
	account string
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.Credential(s.ctx, s.account)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func (m *Manager) state(account string) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[account]
	if !ok {
		st = &accountState{}
		m.accounts[account] = st
	}
	return st
}

func (m *Manager) stale(tok *Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return m.now().After(tok.Expiry.Add(-refreshMargin))
}

// refreshLocked refreshes the account's credential. The caller holds the
// account lock, which is what serializes concurrent refresh attempts:
// waiters block on the lock and observe the refreshed token instead of
// issuing a second refresh.
func (m *Manager) refreshLocked(ctx context.Context, account string, st *accountState) (*Token, error) {
	prev := st.tok
	if prev.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token held", ErrRefreshFailed)
	}

	fresh, err := m.refresh(ctx, prev.RefreshToken)
	if err != nil {
		m.log.Error("token refresh rejected", zap.String("account", account), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	tok := &Token{AccessToken: fresh.AccessToken, RefreshToken: fresh.RefreshToken, Expiry: fresh.Expiry}
	// Providers may omit the refresh token in a refresh response; losing it
	// would strand the account, so the previous one is retained.
	if tok.RefreshToken == "" {
		tok.RefreshToken = prev.RefreshToken
	}

	if err := m.storage.SaveCredential(ctx, account, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	st.tok = tok
	m.log.Info("credential refreshed", zap.String("account", account), zap.Time("expiry", tok.Expiry))
	return tok, nil
}
