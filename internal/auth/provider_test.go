package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignInLookupSignOut(t *testing.T) {
	p := NewProvider()

	s, err := p.SignIn(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)
	assert.Equal(t, MockAccessToken, s.AccessToken)
	assert.Equal(t, "demo-user-123", s.User.ID)
	assert.Equal(t, "Demo User", s.User.Name)
	assert.Equal(t, "demo@example.com", s.User.Email)

	got, err := p.Lookup(s.Token)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	p.SignOut(s.Token)
	_, err = p.Lookup(s.Token)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSignInCustomName(t *testing.T) {
	p := NewProvider()
	a, _ := p.SignIn(context.Background(), "  Alice ")
	b, _ := p.SignIn(context.Background(), "")
	assert.Equal(t, "Alice", a.User.Name)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestSignInWithToken(t *testing.T) {
	p := NewProvider()
	_, err := p.SignInWithToken(context.Background(), User{ID: "u1"}, "")
	assert.Error(t, err)

	s, err := p.SignInWithToken(context.Background(), User{ID: "u1", Name: "U"}, "real")
	require.NoError(t, err)
	assert.Equal(t, "real", s.AccessToken)
	assert.Equal(t, "u1", s.User.SecondMeID)
}

func TestMiddlewareAndRequire(t *testing.T) {
	p := NewProvider()
	s, _ := p.SignIn(context.Background(), "")

	h := p.Middleware(Require(func(w http.ResponseWriter, r *http.Request) {
		got, ok := FromContext(r.Context())
		assert.True(t, ok)
		_, _ = w.Write([]byte(got.User.ID))
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{name: "no credentials", setup: func(*http.Request) {}, status: http.StatusUnauthorized},
		{name: "bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+s.Token) }, status: http.StatusOK},
		{name: "cookie", setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: s.Token}) }, status: http.StatusOK},
		{name: "unknown token", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "demo-user-123", rec.Body.String())
			}
		})
	}
}
