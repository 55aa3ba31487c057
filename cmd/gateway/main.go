// Command gateway runs the real-time voice-survey gateway: a
// websocket transport in front of the Session Orchestrator, plus an
// admin/status HTTP surface, grounded on cmd/server/main.go's
// wiring-then-serve-then-graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Acsight/voiceter-gateway/internal/gateway/adminserver"
	gwconfig "github.com/Acsight/voiceter-gateway/internal/gateway/config"
	"github.com/Acsight/voiceter-gateway/internal/gateway/downstream"
	"github.com/Acsight/voiceter-gateway/internal/gateway/natsbus"
	"github.com/Acsight/voiceter-gateway/internal/gateway/pgstore"
	"github.com/Acsight/voiceter-gateway/internal/gateway/questionnaire"
	"github.com/Acsight/voiceter-gateway/internal/gateway/session"
	"github.com/Acsight/voiceter-gateway/internal/gateway/token"
	"github.com/Acsight/voiceter-gateway/internal/gateway/tooldispatch"
	"github.com/Acsight/voiceter-gateway/internal/gateway/transcript"
	"github.com/Acsight/voiceter-gateway/internal/gateway/voice"
	"github.com/Acsight/voiceter-gateway/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg := gwconfig.Load()

	log := logger.New(logger.Config{Level: parseLevel(cfg.LogLevel), Format: "text"})
	log.Info("starting voice survey gateway", slog.String("project_id", cfg.ProjectID))

	voiceCfg := voice.Config{
		DefaultVoice:        voice.Resolve(cfg.DefaultVoice),
		ReconnectMaxRetries: cfg.ReconnectMaxRetries,
		ReconnectBaseDelay:  cfg.ReconnectBaseDelay(),
		ToolTimeout:         cfg.ToolTimeout(),
	}
	if err := voiceCfg.Validate(); err != nil {
		log.Error("invalid gateway configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.FeatureEnabled && (cfg.ProjectID == "" || cfg.Region == "") {
		log.Error("invalid gateway configuration", slog.String("error", "project id and region are required when the gateway is enabled"))
		os.Exit(1)
	}

	tokenSource := clientcredentials.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
	}.TokenSource(context.Background())

	tokenProvider := token.New(tokenSource, 60*time.Second, func(f token.AuthFailure) {
		log.Error("upstream credential refresh failed",
			slog.String("error", f.Message),
			slog.Bool("recoverable", f.Recoverable))
	})

	registry := session.NewRegistry(log)
	if err := registry.StartSweep("@every 1m", 10*time.Minute); err != nil {
		log.Error("failed to start session sweep", slog.String("error", err.Error()))
	}
	defer registry.StopSweep()

	var store session.Store = noopStore{}
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			log.Error("postgres store unavailable, continuing without durable sessions",
				slog.String("error", err.Error()))
		} else {
			store = pg
			defer pg.Close()
		}
	}

	var turnStore transcript.TurnStore = transcript.NoopStore{}
	if cfg.FirestoreProjectID != "" {
		fsClient, err := firestore.NewClient(context.Background(), cfg.FirestoreProjectID)
		if err != nil {
			log.Error("firestore client unavailable, transcript persistence disabled", slog.String("error", err.Error()))
		} else {
			turnStore = transcript.NewFirestoreStore(fsClient, cfg.TranscriptCollection)
			defer fsClient.Close()
		}
	}
	var aggregator session.Aggregator = transcript.New(turnStore, log)

	var publisher session.Publisher
	if bus, err := natsbus.Connect(cfg.NATSURL, log); err != nil {
		log.Warn("nats unavailable, post-session fan-out disabled", slog.String("error", err.Error()))
	} else {
		publisher = bus
		defer bus.Close()
	}

	registryTools := tooldispatch.NewRegistry()
	dispatcher := tooldispatch.New(registryTools, log, cfg.ToolTimeout())

	limiter := downstream.NewLimiter(cfg.RateLimitPerSecond)
	limiterSweep := cron.New()
	if _, err := limiterSweep.AddFunc("@every 1m", func() { limiter.Sweep(time.Now()) }); err != nil {
		log.Error("failed to start rate-limit sweep", slog.String("error", err.Error()))
	} else {
		limiterSweep.Start()
		defer limiterSweep.Stop()
	}
	downstream.Metrics(prometheus.DefaultRegisterer)

	endpoint, err := url.Parse(cfg.UpstreamWSEndpoint)
	if err != nil {
		log.Error("invalid upstream endpoint", slog.String("error", err.Error()))
		os.Exit(1)
	}

	orch := session.New(session.Deps{
		Registry:      registry,
		Questionnaire: questionnaire.NewStaticLoader(),
		Prompts:       &questionnaire.StaticPrompts{},
		Store:         store,
		Aggregator:    aggregator,
		Dispatcher:    dispatcher,
		RateLimiter:   limiter,
		Publisher:     publisher,
		Logger:        log,

		UpstreamEndpoint: *endpoint,
		UpstreamModel:    cfg.UpstreamModel,
		VoiceConfig:      voiceCfg,
		ToolsDisabled:    cfg.DisableTools,

		Authorize: tokenProvider.AuthorizationHeader,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))
	router.GET("/ws", func(c *gin.Context) {
		handleWebsocket(c, orch, limiter, log)
	})

	admin := adminserver.New(registry, log, cfg.AdminJWKSURL)

	wsServer := &http.Server{Addr: ":" + cfg.WSPort, Handler: router}
	adminServer := &http.Server{Addr: ":" + cfg.AdminPort, Handler: admin.Handler()}

	go func() {
		log.Info("websocket transport listening", slog.String("addr", wsServer.Addr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("websocket server error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		log.Info("admin server listening", slog.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(ctx); err != nil {
		log.Error("websocket server forced shutdown", slog.String("error", err.Error()))
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		log.Error("admin server forced shutdown", slog.String("error", err.Error()))
	}
	log.Info("gateway exited")
}

// handleWebsocket upgrades one client connection and drives it
// end-to-end: session:start bootstraps the Orchestrator runtime,
// everything after routes through HandleInbound by the
// orchestrator-assigned session id.
func handleWebsocket(c *gin.Context, orch *session.Orchestrator, limiter *downstream.Limiter, log *logger.Logger) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in websocket connection handler", slog.Any("panic", r))
		}
	}()

	// The connection starts under a placeholder id; NewConn's id is
	// updated once session:start assigns the real one, since the
	// downstream transport logs by session id for correlation.
	conn := downstream.NewConn("pending", ws, limiter, log)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessionID string
	conn.ReadLoop(
		func(in downstream.Inbound) {
			if in.Event == downstream.EventSessionStart && sessionID == "" {
				var payload downstream.SessionStartPayload
				if err := json.Unmarshal(in.Data, &payload); err != nil {
					log.Warn("malformed session:start payload", slog.String("error", err.Error()))
					return
				}
				if err := downstream.ValidateSessionStart(payload); err != nil {
					log.Warn("invalid session:start payload", slog.String("error", err.Error()))
					return
				}
				id, err := orch.StartSession(ctx, conn, payload)
				if err != nil {
					log.Error("session start failed", slog.String("error", err.Error()))
					return
				}
				sessionID = id
				return
			}
			if sessionID == "" {
				return // drop events before session:start, per spec ordering invariant
			}
			orch.HandleInbound(ctx, sessionID, in)
		},
		func(retryAfter time.Duration) {
			log.Warn("client rate limited", slog.Duration("retry_after", retryAfter))
		},
		func(err error) {
			log.Debug("inbound event rejected", slog.String("error", err.Error()))
		},
	)
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowCredentials: true,
		MaxAge:           int((24 * time.Hour).Seconds()),
	})
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		ctx.Next()
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type noopStore struct{}

func (noopStore) CreateSession(ctx context.Context, s *session.Session) error   { return nil }
func (noopStore) UpdateSession(ctx context.Context, s *session.Session) error   { return nil }
func (noopStore) DeleteSession(ctx context.Context, sessionID string) error     { return nil }
func (noopStore) AppendRecordingChunk(ctx context.Context, sessionID string, chunk []byte) error {
	return nil
}
func (noopStore) FlushRecording(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}
