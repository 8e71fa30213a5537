package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"agent_consensus/internal/agent"
	"agent_consensus/internal/auth"
	"agent_consensus/internal/config"
	"agent_consensus/internal/debate"
	"agent_consensus/internal/domain"
	"agent_consensus/internal/gateway"
	"agent_consensus/internal/httpapi"
	"agent_consensus/internal/loop"
	"agent_consensus/internal/messaging/inproc"
	"agent_consensus/internal/messaging/natsbus"
	"agent_consensus/internal/metrics"
	"agent_consensus/internal/policy"
	"agent_consensus/internal/secondme"
	sqlitestore "agent_consensus/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to consensus.toml (default: ./consensus.toml)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	natsFlag := flag.String("nats", "", "nats url override; empty disables the event stream")
	flag.Parse()

	bootLog := newLogger("info", "auto")
	if err := config.LoadDotEnv(*envFile); err != nil {
		bootLog.Fatal().Err(err).Msg("load env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}
	cfg.Server.Addr = firstNonEmpty(*addrFlag, cfg.Server.Addr)
	cfg.Server.DBPath = filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Server.DBPath))
	cfg.NATS.URL = firstNonEmpty(*natsFlag, cfg.NATS.URL)

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create db directory")
	}
	store, err := sqlitestore.Open(cfg.Server.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open sqlite store")
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate sqlite")
	}
	if err := store.UpsertAgents(ctx, agent.DefaultAgents()); err != nil {
		logger.Fatal().Err(err).Msg("seed agents")
	}

	m := metrics.New()
	bus := inproc.New(256)

	smClient, err := secondme.New(secondme.Config{
		Endpoint:     cfg.SecondMe.Endpoint,
		ClientID:     cfg.SecondMe.ClientID,
		ClientSecret: cfg.SecondMe.ClientSecret,
		Timeout:      cfg.SecondMe.Timeout(),
		Retries:      cfg.SecondMe.Retries,
		RateLimit:    cfg.SecondMe.RateLimit,
		Burst:        cfg.SecondMe.Burst,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create secondme client")
	}

	remoteToken := firstNonEmpty(cfg.SecondMe.AccessToken, auth.MockAccessToken)
	speaker := agent.Router{
		Local:  agent.NewLocalSpeaker(rand.New(rand.NewSource(time.Now().UnixNano()))),
		Remote: agent.NewRemoteSpeaker(meteredChat{client: smClient, metrics: m}, remoteToken, cfg.SecondMe.UserID),
	}

	engine := debate.New(store, policy.New(store), bus, speaker, debate.Config{
		SessionID:     cfg.Debate.SessionID + "-" + time.Now().UTC().Format("20060102T150405"),
		SpeakInterval: cfg.Debate.SpeakInterval(),
		BusyRetries:   cfg.Debate.BusyRetries,
		Recorder:      m,
	}, logger)
	engine.Start(ctx)

	runner := loop.NewRunner(loop.Config{TickInterval: cfg.Loop.TickInterval()}, logger)
	hub := gateway.NewHub(gateway.Config{}, runner, logger)
	go hub.Consume(ctx, bus.Register("gateway", domain.EventDebateArgument))

	var publisher *natsbus.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = natsbus.Connect(cfg.NATS.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		go publisher.Forward(ctx, bus.Register("nats", domain.EventLoopTransition, domain.EventDebateArgument))
	}

	runner.AddObserver(bus)
	runner.AddObserver(hub)
	runner.AddObserver(m)
	if err := runner.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start loop")
	}

	api := httpapi.New(httpapi.Options{
		Loop:           runner,
		Store:          store,
		Auth:           auth.NewProvider(),
		SecondMe:       smClient,
		Feed:           hub,
		Metrics:        m.Handler(),
		Notifier:       bus,
		Recorder:       m,
		Settings:       cfg.Redacted(),
		PublicURL:      cfg.Server.PublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("db", cfg.Server.DBPath).
		Str("config", cfg.Path).
		Str("secondme", smClient.Endpoint()).
		Bool("nats", publisher != nil).
		Dur("tick", cfg.Loop.TickInterval()).
		Msg("agent consensus started")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server failed")
		cancel()
	}

	runner.Stop()
	engine.Wait()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("close nats")
		}
	}
	logger.Info().Msg("agent consensus stopped")
}

// meteredChat counts outbound SecondMe chat calls made by remote agents.
type meteredChat struct {
	client  *secondme.Client
	metrics *metrics.Metrics
}

func (c meteredChat) Chat(ctx context.Context, token string, userID string, text string, chatContext map[string]any) (string, error) {
	reply, err := c.client.Chat(ctx, token, userID, text, chatContext)
	if err != nil {
		c.metrics.ChatRequest("error")
		return "", err
	}
	c.metrics.ChatRequest("ok")
	return reply, nil
}

func newLogger(level string, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	console := format == "console" || (format == "auto" && isatty.IsTerminal(os.Stderr.Fd()))
	var out zerolog.Logger
	if console {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(lvl).With().Timestamp().Logger()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
