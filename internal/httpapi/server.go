package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"agent_consensus/internal/auth"
	"agent_consensus/internal/debate"
	"agent_consensus/internal/domain"
	"agent_consensus/internal/secondme"
	"agent_consensus/internal/store/sqlite"
)

const stateCookieName = "consensus_oauth_state"

type LoopSource interface {
	Snapshot() domain.Snapshot
}

type Store interface {
	CreateRound(ctx context.Context, idempotencyKey string, createdBy string) (domain.Debate, bool, error)
	GetDebate(ctx context.Context, debateID string) (domain.Debate, error)
	GetDebateByRound(ctx context.Context, round int) (domain.Debate, error)
	GetActiveDebate(ctx context.Context) (domain.Debate, error)
	ListDebates(ctx context.Context, limit int) ([]domain.Debate, error)
	ListArgumentsForRound(ctx context.Context, debateID string) ([]domain.Argument, error)
}

type SecondMe interface {
	AuthURL(callbackURL string, state string) string
	Exchange(ctx context.Context, code string, callbackURL string) (*oauth2.Token, error)
	UserProfile(ctx context.Context, token string) (secondme.User, error)
	Chat(ctx context.Context, token string, userID string, text string, chatContext map[string]any) (string, error)
	SaveNote(ctx context.Context, token string, userID string, title string, content string) (string, error)
	ListNotes(ctx context.Context, token string, userID string) ([]secondme.Note, error)
}

// Notifier delivers an event to one bus subscriber.
type Notifier interface {
	Send(id string, evt domain.Event) error
}

type ChatRecorder interface {
	ChatRequest(outcome string)
}

type Options struct {
	Loop           LoopSource
	Store          Store
	Auth           *auth.Provider
	SecondMe       SecondMe
	Feed           http.Handler
	Metrics        http.Handler
	Notifier       Notifier
	Recorder       ChatRecorder
	Settings       map[string]any
	PublicURL      string
	AllowedOrigins []string
	Logger         zerolog.Logger
}

type Server struct {
	loop      LoopSource
	store     Store
	auth      *auth.Provider
	secondme  SecondMe
	feed      http.Handler
	metrics   http.Handler
	notifier  Notifier
	recorder  ChatRecorder
	settings  map[string]any
	publicURL string
	origins   []string
	logger    zerolog.Logger
}

type nopRecorder struct{}

func (nopRecorder) ChatRequest(string) {}

func New(opts Options) *Server {
	s := &Server{
		loop:      opts.Loop,
		store:     opts.Store,
		auth:      opts.Auth,
		secondme:  opts.SecondMe,
		feed:      opts.Feed,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		recorder:  opts.Recorder,
		settings:  opts.Settings,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		origins:   opts.AllowedOrigins,
		logger:    opts.Logger.With().Str("component", "httpapi").Logger(),
	}
	if s.auth == nil {
		s.auth = auth.NewProvider()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/loop", s.handleLoop)
	mux.HandleFunc("/debates", s.handleDebates)
	mux.HandleFunc("/debates/", s.handleDebateByID)
	mux.HandleFunc("/auth/signin", s.handleSignIn)
	mux.HandleFunc("/auth/signout", s.handleSignOut)
	mux.HandleFunc("/auth/session", auth.Require(s.handleSession))
	mux.HandleFunc("/auth/secondme/url", s.handleAuthURL)
	mux.HandleFunc("/auth/secondme/callback", s.handleAuthCallback)
	mux.HandleFunc("/secondme/chat", auth.Require(s.handleChat))
	mux.HandleFunc("/secondme/notes", auth.Require(s.handleNotes))
	if s.feed != nil {
		mux.Handle("/ws/loop", s.feed)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins:   s.origins,
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: !allowsAnyOrigin(s.origins),
	})
	return c.Handler(s.loggingMiddleware(s.auth.Middleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings)
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Snapshot())
}

func (s *Server) handleDebates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		raw := strings.TrimSpace(r.URL.Query().Get("round"))
		var (
			debate domain.Debate
			err    error
		)
		if raw == "" {
			debate, err = s.store.GetActiveDebate(r.Context())
		} else {
			round, convErr := strconv.Atoi(raw)
			if convErr != nil || round <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid round: %q", raw))
				return
			}
			debate, err = s.store.GetDebateByRound(r.Context(), round)
		}
		s.writeDebate(w, debate, err)
	case http.MethodPost:
		auth.Require(s.createRound)(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createRound(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = uuid.NewString()
	}
	debate, created, err := s.store.CreateRound(r.Context(), "manual-"+key, session.User.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("create round failed")
		writeError(w, http.StatusInternalServerError, errors.New("failed to create debate"))
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		s.handOff(debate)
	}
	writeJSON(w, code, map[string]any{"debate": debate, "created": created})
}

// handOff passes a manually created debate to the debate engine, which runs
// it as the debate of the current loop round.
func (s *Server) handOff(d domain.Debate) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(debate.ActorID, domain.Event{Type: domain.EventDebateCreated, Debate: &d})
	if err != nil {
		s.logger.Warn().Err(err).Str("debate_id", d.ID).Msg("debate hand-off to engine failed")
	}
}

func (s *Server) handleDebateByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/debates/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	id := parts[0]
	switch {
	case id == "":
		writeError(w, http.StatusBadRequest, errors.New("debate id is required"))
	case id == "current" && len(parts) == 1:
		debate, err := s.store.GetActiveDebate(r.Context())
		s.writeDebate(w, debate, err)
	case id == "list" && len(parts) == 1:
		debates, err := s.store.ListDebates(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"debates": debates})
	case len(parts) == 1:
		debate, err := s.store.GetDebate(r.Context(), id)
		if errors.Is(err, sqlite.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("debate not found: %s", id))
			return
		}
		s.writeDebate(w, debate, err)
	case len(parts) == 2 && parts[1] == "arguments":
		if _, err := s.store.GetDebate(r.Context(), id); err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("debate not found: %s", id))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		args, err := s.store.ListArgumentsForRound(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"arguments": args})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", strings.Join(parts[1:], "/")))
	}
}

// writeDebate renders {debate: null} for a missing debate.
func (s *Server) writeDebate(w http.ResponseWriter, debate domain.Debate, err error) {
	if errors.Is(err, sqlite.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"debate": nil})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load debate failed")
		writeError(w, http.StatusInternalServerError, errors.New("failed to fetch debate"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"debate": debate})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
	}
	session, err := s.auth.SignIn(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	setSessionCookie(w, session.Token)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if token := auth.TokenFromRequest(r); token != "" {
		s.auth.SignOut(token)
	}
	http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"status": "signed out"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.secondme == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("secondme is not configured"))
		return
	}
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: state, Path: "/auth/secondme", MaxAge: 600, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	writeJSON(w, http.StatusOK, map[string]any{
		"url":   s.secondme.AuthURL(s.callbackURL(), state),
		"state": state,
	})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.secondme == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("secondme is not configured"))
		return
	}
	q := r.URL.Query()
	if c, err := r.Cookie(stateCookieName); err != nil || c.Value == "" || c.Value != q.Get("state") {
		writeError(w, http.StatusBadRequest, errors.New("invalid oauth state"))
		return
	}
	token, err := s.secondme.Exchange(r.Context(), q.Get("code"), s.callbackURL())
	if err != nil {
		s.logger.Warn().Err(err).Msg("secondme code exchange failed")
		writeError(w, http.StatusBadGateway, errors.New("failed to sign in with SecondMe"))
		return
	}
	profile, err := s.secondme.UserProfile(r.Context(), token.AccessToken)
	if err != nil {
		s.logger.Warn().Err(err).Msg("secondme profile fetch failed")
		writeError(w, http.StatusBadGateway, errors.New("failed to sign in with SecondMe"))
		return
	}
	session, err := s.auth.SignInWithToken(r.Context(), auth.User{
		ID:         profile.ID,
		Name:       profile.Username,
		Image:      profile.Avatar,
		SecondMeID: profile.ID,
	}, token.AccessToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	setSessionCookie(w, session.Token)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.secondme == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("secondme is not configured"))
		return
	}
	var req struct {
		Message string         `json:"message"`
		Context map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	session, _ := auth.FromContext(r.Context())
	reply, err := s.secondme.Chat(r.Context(), session.AccessToken, session.User.SecondMeID, req.Message, req.Context)
	if err != nil {
		s.recorder.ChatRequest("error")
		s.logger.Warn().Err(err).Str("user_id", session.User.ID).Msg("secondme chat failed")
		writeError(w, http.StatusBadGateway, errors.New("failed to chat with SecondMe"))
		return
	}
	s.recorder.ChatRequest("ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":     reply,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	if s.secondme == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("secondme is not configured"))
		return
	}
	session, _ := auth.FromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		notes, err := s.secondme.ListNotes(r.Context(), session.AccessToken, session.User.SecondMeID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("secondme list notes failed")
			writeError(w, http.StatusBadGateway, errors.New("failed to fetch notes"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
	case http.MethodPost:
		var req struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, errors.New("title and content are required"))
			return
		}
		id, err := s.secondme.SaveNote(r.Context(), session.AccessToken, session.User.SecondMeID, req.Title, req.Content)
		if err != nil {
			s.logger.Warn().Err(err).Msg("secondme save note failed")
			writeError(w, http.StatusBadGateway, errors.New("failed to save note"))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) callbackURL() string {
	return s.publicURL + "/auth/secondme/callback"
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade on /ws/loop.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
