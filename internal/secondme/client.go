package secondme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://api.second.me"

	defaultRetries          = 2
	defaultRetryBackoff     = 500 * time.Millisecond
	defaultTimeout          = 15 * time.Second
	defaultRateLimit        = 5
	defaultBurst            = 5
	maxErrorBodyReadSize    = 64 * 1024
	maxResponseBodyReadSize = 4 * 1024 * 1024
)

var ErrMissingToken = errors.New("secondme access token is required")

type Config struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	RateLimit    float64
	Burst        int
	Logger       zerolog.Logger
	Client       *http.Client
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

type Note struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

type chatRequest struct {
	UserID  string         `json:"user_id"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	Timestamp string `json:"timestamp,omitempty"`
}

type saveNoteResponse struct {
	ID string `json:"id"`
}

// APIError is returned for any non-2xx upstream response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("secondme api status=%d", e.Status)
	}
	return fmt.Sprintf("secondme api status=%d body=%s", e.Status, e.Body)
}

type Client struct {
	endpoint     string
	oauth        oauth2.Config
	retries      int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	logger       zerolog.Logger
	client       *http.Client
}

func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid secondme endpoint %q: %w", endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	switch {
	case retries < 0:
		retries = 0
	case retries == 0:
		retries = defaultRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint: endpoint,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoint + "/oauth2/authorize",
				TokenURL:  endpoint + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		retries:      retries,
		retryBackoff: retryBackoff,
		limiter:      rate.NewLimiter(rate.Limit(limit), burst),
		logger:       cfg.Logger.With().Str("component", "secondme").Logger(),
		client:       client,
	}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// AuthURL returns the authorization page the user is redirected to.
func (c *Client) AuthURL(callbackURL string, state string) string {
	cfg := c.oauth
	cfg.RedirectURL = callbackURL
	return cfg.AuthCodeURL(state)
}

func (c *Client) Exchange(ctx context.Context, code string, callbackURL string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("empty authorization code")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("secondme rate limit: %w", err)
	}
	cfg := c.oauth
	cfg.RedirectURL = callbackURL
	tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.client), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &APIError{Status: re.Response.StatusCode, Body: strings.TrimSpace(string(re.Body))}
		}
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

func (c *Client) UserProfile(ctx context.Context, token string) (User, error) {
	var user User
	if err := c.do(ctx, token, http.MethodGet, "/api/v1/users/me", nil, nil, &user); err != nil {
		return User{}, fmt.Errorf("get user profile: %w", err)
	}
	return user, nil
}

// Chat sends text to the user's SecondMe and returns its reply.
func (c *Client) Chat(ctx context.Context, token string, userID string, text string, chatContext map[string]any) (string, error) {
	req := chatRequest{UserID: userID, Message: text, Context: chatContext}
	var resp chatResponse
	if err := c.do(ctx, token, http.MethodPost, "/api/v1/chat", nil, req, &resp); err != nil {
		return "", fmt.Errorf("secondme chat: %w", err)
	}
	return resp.Reply, nil
}

func (c *Client) SaveNote(ctx context.Context, token string, userID string, title string, content string) (string, error) {
	req := Note{UserID: userID, Title: title, Content: content}
	var resp saveNoteResponse
	if err := c.do(ctx, token, http.MethodPost, "/api/v1/notes", nil, req, &resp); err != nil {
		return "", fmt.Errorf("save note: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) ListNotes(ctx context.Context, token string, userID string) ([]Note, error) {
	query := url.Values{"user_id": []string{userID}}
	notes := make([]Note, 0)
	if err := c.do(ctx, token, http.MethodGet, "/api/v1/notes", query, nil, &notes); err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return notes, nil
}

func (c *Client) do(ctx context.Context, token string, method string, path string, query url.Values, in any, out any) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}

	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = raw
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		err := c.doOnce(ctx, token, method, path, query, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.retries+1 {
			break
		}
		wait := time.Duration(attempt) * c.retryBackoff
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("path", path).Msg("secondme request retry")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, token string, method string, path string, query url.Values, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("secondme rate limit: %w", err)
	}

	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	httpClient := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, c.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
	)
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("secondme request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))
		if readErr != nil {
			return fmt.Errorf("secondme api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyReadSize)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError
	}
	return false
}
