package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cobotUS "cobot_us"

	"go.viam.com/rdk/logging"
)

func main() {
	logger := logging.NewLogger("cobot-us")
	if err := realMain(logger); err != nil {
		logger.Fatalf("Server failed: %v", err)
	}
}

func realMain(logger logging.Logger) error {
	cfg, err := cobotUS.LoadEnvConfig(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	system, err := cobotUS.NewSystem(ctx, cfg, cobotUS.SystemOptions{}, logger)
	cancel()
	if err != nil {
		return err
	}

	server := cobotUS.NewHTTPServer(system, logger.Sublogger("http"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.HTTPAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err = <-errCh:
		logger.Errorf("HTTP server stopped: %v", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warnf("HTTP server shutdown error: %v", serr)
	}
	if cerr := system.Close(shutdownCtx); cerr != nil {
		logger.Warnf("Failed to close cleanly: %v", cerr)
	}
	logger.Info("Server stopped")
	return err
}
