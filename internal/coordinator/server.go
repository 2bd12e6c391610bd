package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/izzyreal/edgeagent/internal/config"
	"github.com/izzyreal/edgeagent/internal/store"
)

// Server is a small reference coordinator: it records device heartbeats,
// queues tasks per device and collects their outcomes.
type Server struct {
	store *store.Store
	cfg   config.Coordinator
	now   func() time.Time
}

func NewServer(st *store.Store, cfg config.Coordinator) *Server {
	return &Server{store: st, cfg: cfg, now: time.Now}
}

func Run(ctx context.Context, cfg config.Coordinator) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           NewServer(st, cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopMDNS := func() {}
	if cfg.MDNS {
		stopMDNS = startMDNSAdvertiser(ln.Addr().String(), cfg.MDNSInstance)
	}
	defer stopMDNS()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("edgecoord started", "addr", ln.Addr().String(), "db", cfg.DBPath)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		slog.Info("edgecoord stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return err
		}
		slog.Info("edgecoord stopped")
		return nil
	}
}
