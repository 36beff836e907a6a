package web

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"
)

// serverStartupTimeout is the time to wait for server startup before assuming success.
const serverStartupTimeout = 100 * time.Millisecond

// Run starts the server in background and blocks until ctx is canceled.
// fails fast if the server can't start (e.g. port in use); later server errors are logged.
func Run(ctx context.Context, srv *Server, log lgr.L) error {
	if log == nil {
		log = lgr.NoOp
	}
	errCh, err := startServerAsync(ctx, srv)
	if err != nil {
		return err
	}
	log.Logf("[INFO] web dashboard: http://localhost:%d", srv.cfg.Port)
	return monitorErrors(ctx, errCh, log)
}

// startServerAsync starts a web server in the background and waits briefly for startup errors.
// returns the error channel for monitoring late errors, or an error if startup fails.
func startServerAsync(ctx context.Context, srv *Server) (chan error, error) {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("web server failed to start on port %d: %w", srv.cfg.Port, err)
		}
	case <-time.After(serverStartupTimeout):
		// server started successfully
	}

	return errCh, nil
}

// monitorErrors logs late server errors until shutdown.
func monitorErrors(ctx context.Context, srvErrCh chan error, log lgr.L) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case srvErr, ok := <-srvErrCh:
			if !ok {
				return nil
			}
			if srvErr != nil && ctx.Err() == nil {
				log.Logf("[ERROR] web server error: %v", srvErr)
				return srvErr
			}
		}
	}
}
