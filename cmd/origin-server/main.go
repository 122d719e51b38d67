// Command origin-server runs the test origin on port 8080: GET /<n> returns
// an n-byte HTML document for 100 <= n <= 20000.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/caching-proxy/internal/testutil"
	"github.com/Sternrassler/caching-proxy/pkg/logging"
	"github.com/rs/zerolog/log"
)

var (
	addrFlag     string
	logLevelFlag string
)

func init() {
	flag.StringVar(&addrFlag, "addr", ":8080", "Address to listen on")
	flag.StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	if _, _, err := logging.Setup(logging.Config{Level: logging.LogLevel(logLevelFlag), Output: os.Stderr, Pretty: true}); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	origin, err := testutil.NewOrigin(addrFlag, logging.NewLogger("origin"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start origin")
	}

	if err := origin.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("Origin failed")
	}
	origin.Close()
}
