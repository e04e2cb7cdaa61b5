// Package branchpad is the server core: the mutation pipeline, the per-node
// validators, permission fan-out, the sync session machinery and the HTTP
// surface around them.
package branchpad

import (
	"fmt"
	"os"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/branchpad/branchpad/pkg/access"
	"github.com/branchpad/branchpad/pkg/store"
)

// App wires the server components together around one store.
type App struct {
	store    store.Store
	cfg      *Config
	log      zerolog.Logger
	resolver *access.Resolver
	auth     *Authenticator
	bus      *EventBus
	hub      *Hub
	fanout   *Fanout
	files    *FileStorage

	// nodeLocks serializes the mutation pipeline per node id.
	nodeLocks sync.Map
}

// New creates the application. The store is injected so tests can run against
// the in-memory implementation.
func New(st store.Store, cfg *Config) (*App, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "branchpad").Logger()

	app := &App{
		store:    st,
		cfg:      cfg,
		log:      logger,
		resolver: access.NewResolver(st),
		auth:     NewAuthenticator([]byte(cfg.JWTSecret)),
		bus:      NewEventBus(),
		hub:      NewHub(logger),
	}
	app.fanout = NewFanout(st, app.bus, logger)

	if cfg.S3Endpoint != "" {
		client, err := minio.New(cfg.S3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
			Secure: cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to object storage: %w", err)
		}
		app.files = NewFileStorage(client, cfg.S3Bucket)
	}

	app.bus.Subscribe(app.hub.Broadcast)
	app.bus.Subscribe(app.fanout.HandleEvent)
	return app, nil
}

// Store exposes the underlying store, mainly for tests.
func (a *App) Store() store.Store { return a.store }

// Logger returns the application logger.
func (a *App) Logger() zerolog.Logger { return a.log }

// Bus returns the event bus.
func (a *App) Bus() *EventBus { return a.bus }

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}
