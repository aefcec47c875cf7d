package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gdrive "google.golang.org/api/drive/v3"

	"weavebox/internal/logging"
)

const defaultRevokeURL = "https://accounts.google.com/o/oauth2/revoke"

var (
	ErrAuthExpired  = errors.New("google authorization expired, please sign in again")
	ErrInvalidState = errors.New("invalid oauth state")
)

// AuthConfig holds the Google OAuth client settings.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	RevokeURL    string
}

// Auth holds the Google OAuth session of the local user.
type Auth struct {
	config    *oauth2.Config
	revokeURL string

	mu     sync.Mutex
	token  *oauth2.Token
	source oauth2.TokenSource
	states map[string]time.Time
}

// NewAuth creates an OAuth session manager for read-only Drive access.
func NewAuth(cfg AuthConfig) *Auth {
	revoke := cfg.RevokeURL
	if revoke == "" {
		revoke = defaultRevokeURL
	}
	return &Auth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gdrive.DriveReadonlyScope},
			Endpoint:     google.Endpoint,
		},
		revokeURL: revoke,
		states:    make(map[string]time.Time),
	}
}

// AuthURL returns the consent page URL and remembers its state parameter.
func (a *Auth) AuthURL() string {
	state := uuid.NewString()

	a.mu.Lock()
	now := time.Now()
	for s, issued := range a.states {
		if now.Sub(issued) > 10*time.Minute {
			delete(a.states, s)
		}
	}
	a.states[state] = now
	a.mu.Unlock()

	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token. state must come from
// a previous AuthURL call and is consumed.
func (a *Auth) Exchange(ctx context.Context, state, code string) error {
	a.mu.Lock()
	_, ok := a.states[state]
	delete(a.states, state)
	a.mu.Unlock()
	if !ok {
		return ErrInvalidState
	}

	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		logging.Drive.Printf("code exchange failed: %v", err)
		return fmt.Errorf("exchange code: %w", err)
	}
	a.setToken(tok)
	logging.Drive.Println("authorized")
	return nil
}

// SetAccessToken installs an access token obtained elsewhere, such as the
// browser's implicit flow.
func (a *Auth) SetAccessToken(accessToken string, expiresIn time.Duration) {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if expiresIn > 0 {
		tok.Expiry = time.Now().Add(expiresIn)
	}
	a.setToken(tok)
}

func (a *Auth) setToken(tok *oauth2.Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = tok
	a.source = oauth2.ReuseTokenSource(tok, a.config.TokenSource(context.Background(), tok))
}

// Connected reports whether a usable token is held.
func (a *Auth) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usable()
}

func (a *Auth) usable() bool {
	return a.token != nil && (a.token.Valid() || a.token.RefreshToken != "")
}

// Client returns an HTTP client authorized for Drive, or ErrAuthExpired.
func (a *Auth) Client(ctx context.Context) (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable() {
		return nil, ErrAuthExpired
	}
	return oauth2.NewClient(ctx, a.source), nil
}

// Disconnect revokes the current token and forgets it. Revocation failures
// are logged; the local session is dropped regardless.
func (a *Auth) Disconnect(ctx context.Context) {
	a.mu.Lock()
	tok := a.token
	a.token = nil
	a.source = nil
	a.mu.Unlock()

	if tok == nil {
		return
	}

	revoke := tok.AccessToken
	if tok.RefreshToken != "" {
		revoke = tok.RefreshToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.revokeURL+"?token="+url.QueryEscape(revoke), nil)
	if err != nil {
		logging.Drive.Printf("revoke: %v", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logging.Drive.Printf("revoke failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Drive.Printf("revoke returned status %d", resp.StatusCode)
		return
	}
	logging.Drive.Println("token revoked")
}
