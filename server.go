package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// shutdownHook releases a resource once the HTTP server has drained.
type shutdownHook func() error

// serve runs server on listener until ctx is done or the server fails. On
// cancellation it drains in-flight requests for up to shutdownTimeout and then
// runs hooks in order. Hooks also run when the server fails on its own, so
// the gallery store and cache are released on every exit path.
func serve(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, hooks ...shutdownHook) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server stopped unexpectedly", zap.Error(serveErr))
		}
	case <-ctx.Done():
		logger.Info("shutting down", zap.Duration("drain_timeout", shutdownTimeout))
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err := server.Shutdown(drainCtx)
		cancel()
		if err != nil {
			logger.Warn("drain did not complete, closing connections", zap.Error(err))
			serveErr = errors.Join(err, server.Close())
		}
		if err := <-errCh; err != nil {
			serveErr = errors.Join(serveErr, err)
		}
	}

	errs := []error{serveErr}
	for _, hook := range hooks {
		if err := hook(); err != nil {
			logger.Error("shutdown hook failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// listen opens the TCP listener for addr before serving, so bind errors
// surface before the app reports itself ready.
func listen(addr string) (net.Listener, error) {
	if addr == "" {
		addr = ":http"
	}
	return net.Listen("tcp", addr)
}
