package branchpad

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Migrate brings the database schema up to date.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if a.files != nil {
		if err := a.files.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	a.log.Info().Msg("schema up to date")
	return nil
}

// Router builds the HTTP surface.
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", a.handleHealth).Methods("GET")
	api.HandleFunc("/workspaces", a.handleBootstrapWorkspace).Methods("POST")
	api.HandleFunc("/devices", a.handleRegisterDevice).Methods("POST")
	api.HandleFunc("/users", a.handleInviteUser).Methods("POST")
	api.HandleFunc("/nodes/{id}", a.handleGetNode).Methods("GET")
	api.HandleFunc("/files/{id}/upload-url", a.handleUploadURL).Methods("POST")
	api.HandleFunc("/files/{id}/uploaded", a.handleMarkUploaded).Methods("POST")
	api.HandleFunc("/files/{id}/download-url", a.handleDownloadURL).Methods("GET")
	api.HandleFunc("/sync", a.handleSync).Methods("GET")

	return router
}

// Run starts the event bus and the HTTP server, blocking until the context
// ends, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.bus.Start(ctx)

	server := &http.Server{
		Addr:         a.cfg.Addr,
		Handler:      a.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	a.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.bus.Wait()
	return nil
}
