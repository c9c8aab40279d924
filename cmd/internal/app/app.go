// Package app wires the Hearth server runtime: config, logging, storage
// backends, the chat services, and the HTTP surface.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hearth/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	directBufferPrefix = "hearth:buf:direct:"
	tribeBufferPrefix  = "hearth:buf:tribe:"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow backend resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// App is the Hearth server runtime: it owns the HTTP server and the wiring
// between buffers, durable stores, and the WebSocket gateway.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb   *redis.Client
	nc    *nats.Conn
	relay *chat.NATSRelay

	hub    *chat.Hub
	direct *chat.Service
	tribe  *chat.Service
	ws     *chat.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	backends, err := newBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hub := chat.NewHub(log)

	// Cross-instance fan-out goes through NATS when configured; a single
	// instance broadcasts through the hub directly.
	var rooms chat.Broadcaster = hub
	var relay *chat.NATSRelay
	var notifier chat.NotificationSink

	if backends.nc != nil {
		relay, err = chat.NewNATSRelay(log, hub, backends.nc, chat.WithRelayPrefix(cfg.NATSSubjectPrefix))
		if err != nil {
			backends.closeAll(ctx)
			return nil, err
		}
		rooms = relay

		notifier, err = chat.NewNATSNotifier(backends.nc, cfg.NATSSubjectPrefix)
		if err != nil {
			backends.closeAll(ctx)
			return nil, err
		}
	}

	var objects chat.ObjectStore
	if token := EnvString("HEARTH_FILES_TOKEN", ""); token != "" || EnvBool("HEARTH_FILES_DELETE_ENABLED", false) {
		objects = chat.NewHTTPObjectStore(token, EnvDuration("HEARTH_FILES_TIMEOUT", 5*time.Second))
	}

	direct, err := chat.NewService(log, chat.Deps{
		Buffer:         backends.directBuf,
		Messages:       backends.messages,
		Lobby:          backends.lobby,
		Roles:          backends.roles,
		Objects:        objects,
		Notifier:       notifier,
		Rooms:          rooms,
		FlushThreshold: cfg.FlushBatchSize,
	})
	if err != nil {
		backends.closeAll(ctx)
		return nil, err
	}

	tribe, err := chat.NewService(log, chat.Deps{
		Buffer:         backends.tribeBuf,
		Messages:       backends.messages,
		Lobby:          backends.lobby,
		Roles:          backends.roles,
		Objects:        objects,
		Notifier:       notifier,
		Rooms:          rooms,
		FlushThreshold: cfg.FlushBatchSize,
	})
	if err != nil {
		backends.closeAll(ctx)
		return nil, err
	}

	ws := chat.NewWSGateway(log, hub, direct, tribe)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     backends,
		dbPool:    backends.pool,
		dbEnabled: backends.pool != nil,
		rdb:       backends.rdb,
		nc:        backends.nc,
		relay:     relay,
		hub:       hub,
		direct:    direct,
		tribe:     tribe,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.rdb, a.ws, a.tribe)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.rdb != nil,
		"nats_enabled", a.nc != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.relay != nil {
		a.relay.Close()
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// backends holds every storage-facing collaborator plus the handles needed
// to close them. It doubles as the app-level Store.
type backends struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	nc   *nats.Conn

	messages chat.MessageStore
	lobby    chat.LobbyStore
	roles    chat.RoleStore

	directBuf chat.Buffer
	tribeBuf  chat.Buffer
}

// newBackends decides, per backend, between the real service and the
// in-memory dev implementation:
//   - Postgres for durable messages, lobby summaries, and room roles
//   - Redis for the volatile ordered buffers (direct and tribe keyspaces)
//   - NATS for cross-instance broadcast and notifications
func newBackends(ctx context.Context, cfg Config, log Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := chat.NewMemoryStore()
		b.messages = mem
		b.lobby = mem
		b.roles = chat.NewMemoryRoles()
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

		// Ownership model:
		// - app owns pool lifecycle
		// - the stores' Close() is a no-op
		msgs, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		lobby, err := chat.NewPostgresLobbyStore(pool, chat.WithLobbySchema(cfg.DBSchema))
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		roles, err := chat.NewPostgresRoleStore(pool, chat.WithRoleSchema(cfg.DBSchema))
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		b.messages = msgs
		b.lobby = lobby
		b.roles = roles
	}

	if cfg.RedisAddr == "" {
		log.Info("redis.disabled.inmemory_buffer")
		b.directBuf = chat.NewMemoryBuffer(cfg.BufferTTL)
		b.tribeBuf = chat.NewMemoryBuffer(cfg.BufferTTL)
	} else {
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		b.rdb = rdb
		log.Info("redis.enabled.buffer", "addr", cfg.RedisAddr)

		directBuf, err := chat.NewRedisBuffer(rdb,
			chat.WithBufferPrefix(directBufferPrefix),
			chat.WithBufferTTL(cfg.BufferTTL),
		)
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		tribeBuf, err := chat.NewRedisBuffer(rdb,
			chat.WithBufferPrefix(tribeBufferPrefix),
			chat.WithBufferTTL(cfg.BufferTTL),
		)
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		b.directBuf = directBuf
		b.tribeBuf = tribeBuf
	}

	if cfg.NATSURL != "" {
		nc, err := NewNATSConn(cfg)
		if err != nil {
			b.closeAll(ctx)
			return nil, err
		}
		b.nc = nc
		log.Info("nats.enabled.relay", "url", cfg.NATSURL)
	}

	return b, nil
}

func (b *backends) Close(ctx context.Context) error {
	b.closeAll(ctx)
	return nil
}

func (b *backends) closeAll(_ context.Context) {
	if b.messages != nil {
		_ = b.messages.Close()
	}
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
		b.rdb = nil
	}
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
}
