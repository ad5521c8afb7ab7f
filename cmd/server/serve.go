package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/eventbus"
	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/Tyrowin/chatrelay/internal/store/mongostore"
	"github.com/Tyrowin/chatrelay/internal/store/pgstore"
	"github.com/Tyrowin/chatrelay/internal/store/redispresence"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

type serveOptions struct {
	port      string
	driver    string
	logLevel  string
	seedUsers []string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay",
		Long: `Run the HTTP server exposing the WebSocket relay on /ws, conversation
history on /history, a health check on / and Prometheus metrics on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.port != "" {
				cfg.Server.Port = opts.port
			}
			if opts.driver != "" {
				cfg.Store.Driver = opts.driver
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			return runServe(cfg.Sanitize(), opts.seedUsers)
		},
	}

	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Listen address, e.g. :8080")
	cmd.Flags().StringVar(&opts.driver, "store", "", "Store driver: memory, mongo or postgres")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().StringSliceVar(&opts.seedUsers, "user", nil, "Seed a user as id:displayName (repeatable)")

	return cmd
}

func runServe(cfg config.Config, seedUsers []string) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("%sJWT_SECRET must be set", config.EnvPrefix)
	}

	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	st, err := openStore(ctx, cfg, seedUsers, log)
	if err != nil {
		return err
	}
	defer closeStore(st, log)

	bus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("event bus close", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := server.OptionsFromConfig(cfg)
	opts.Store = st
	opts.Bus = bus
	opts.Logger = log
	opts.Registerer = reg

	hub := server.NewHub(opts)
	go hub.Run()

	verifier := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, st)
	handlers := server.NewHandlers(hub, verifier, server.NewOriginPolicy(cfg.Server.AllowedOrigins, log))
	httpServer := server.CreateServer(cfg.Server.Port, server.SetupRoutes(handlers, reg))

	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(httpServer, log) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server stopped", zap.Error(err))
		}
		if herr := hub.Shutdown(shutdownTimeout); herr != nil {
			log.Warn("hub shutdown", zap.Error(herr))
		}
		return err
	case s := <-sig:
		log.Info("received signal", zap.String("signal", s.String()))
	}

	// stop accepting handshakes before closing live connections
	var shutdownErr error
	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		shutdownErr = err
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	log.Info("relay stopped")
	return shutdownErr
}

func openStore(ctx context.Context, cfg config.Config, seedUsers []string, log *zap.Logger) (store.Store, error) {
	users, err := parseUsers(seedUsers)
	if err != nil {
		return nil, err
	}

	var st store.Store
	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := store.NewMemory()
		for _, u := range users {
			mem.PutUser(u)
		}
		st = mem
	case config.DriverMongo:
		ms, err := mongostore.Connect(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close(ctx)
			return nil, err
		}
		if len(users) > 0 {
			log.Warn("--user is ignored by the mongo store; users are managed externally")
		}
		st = ms
	case config.DriverPostgres:
		ps, err := pgstore.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close(ctx)
			return nil, err
		}
		for _, u := range users {
			if err := ps.PutUser(ctx, u); err != nil {
				_ = ps.Close(ctx)
				return nil, err
			}
		}
		st = ps
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	log.Info("store ready", zap.String("driver", cfg.Store.Driver))

	if cfg.Redis.Addr == "" {
		return st, nil
	}
	rs, err := redispresence.Connect(ctx, st, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PresenceTTL)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	log.Info("redis presence enabled", zap.String("addr", cfg.Redis.Addr))
	return rs, nil
}

func closeStore(st store.Store, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := st.Close(ctx); err != nil {
		log.Warn("store close", zap.Error(err))
	}
}

func openBus(cfg config.Config, log *zap.Logger) (eventbus.Publisher, error) {
	if cfg.NATS.URL == "" {
		return eventbus.Nop{}, nil
	}
	bus, err := eventbus.Connect(cfg.NATS.URL, "chatrelay", cfg.NATS.SubjectPrefix)
	if err != nil {
		return nil, err
	}
	log.Info("publishing domain events", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.SubjectPrefix))
	return bus, nil
}

// parseUsers reads id:displayName pairs. The display name defaults to the id.
func parseUsers(values []string) ([]chat.UserIdentity, error) {
	users := make([]chat.UserIdentity, 0, len(values))
	for _, v := range values {
		id, name, _ := strings.Cut(strings.TrimSpace(v), ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid user %q: id is required", v)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		users = append(users, chat.UserIdentity{ID: id, DisplayName: name})
	}
	return users, nil
}
