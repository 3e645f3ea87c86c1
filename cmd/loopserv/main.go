package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/localloop/internal/config"
	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("loopserv", cfg.LogLevel)

	srv := newServer(cfg, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(termio.Stdout(), "starting server addr=%s\n", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: loopserv [--addr ADDR] [--log-level LEVEL]")
	fmt.Fprintln(termio.Stderr(), "  --addr ADDR                  listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL            debug, info, warn or error (default info)")
	fmt.Fprintln(termio.Stderr(), "  --max-message-bytes N        max websocket message size (default 1048576)")
	fmt.Fprintln(termio.Stderr(), "  --msg-rate N                 max messages per second per connection (default 1000, 0 disables)")
	fmt.Fprintln(termio.Stderr(), "  --msg-burst N                message burst per connection (default 2000)")
	fmt.Fprintln(termio.Stderr(), "  --idle-timeout DURATION      websocket idle timeout (default 10m, 0 disables)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
