package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MockAccessToken = "mock-access-token"
	CookieName      = "consensus_session"

	demoUserID    = "demo-user-123"
	demoUserName  = "Demo User"
	demoUserEmail = "demo@example.com"
	demoUserImage = "https://api.dicebear.com/7.x/avataaas/svg?seed=DemoUser"
)

var ErrUnknownSession = errors.New("unknown session")

type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Image      string `json:"image,omitempty"`
	SecondMeID string `json:"second_me_id"`
}

// Session pairs the opaque session token with the SecondMe access token used
// on behalf of the user.
type Session struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	User        User      `json:"user"`
	CreatedAt   time.Time `json:"created_at"`
}

// Provider is an in-memory session issuer. Credential checks always succeed.
type Provider struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

func NewProvider() *Provider {
	return &Provider{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// SignIn issues a session for the mock SecondMe identity. A non-empty name
// replaces the display name.
func (p *Provider) SignIn(_ context.Context, name string) (Session, error) {
	user := User{
		ID:         demoUserID,
		Name:       demoUserName,
		Email:      demoUserEmail,
		Image:      demoUserImage,
		SecondMeID: demoUserID,
	}
	if n := strings.TrimSpace(name); n != "" {
		user.Name = n
	}
	return p.issue(user, MockAccessToken), nil
}

// SignInWithToken issues a session backed by a real SecondMe access token.
func (p *Provider) SignInWithToken(_ context.Context, user User, accessToken string) (Session, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Session{}, errors.New("empty access token")
	}
	if user.SecondMeID == "" {
		user.SecondMeID = user.ID
	}
	return p.issue(user, accessToken), nil
}

func (p *Provider) Lookup(token string) (Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[token]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return s, nil
}

func (p *Provider) SignOut(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, token)
}

func (p *Provider) issue(user User, accessToken string) Session {
	s := Session{
		Token:       uuid.NewString(),
		AccessToken: accessToken,
		User:        user,
		CreatedAt:   p.now().UTC(),
	}
	p.mu.Lock()
	p.sessions[s.Token] = s
	p.mu.Unlock()
	return s
}

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}

// TokenFromRequest reads a bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware attaches the caller's session to the request context when one
// is present. It never rejects a request.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := TokenFromRequest(r); token != "" {
			if s, err := p.Lookup(token); err == nil {
				r = r.WithContext(WithSession(r.Context(), s))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests without a session with 401.
func Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}
