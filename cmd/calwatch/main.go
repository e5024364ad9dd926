package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/engine"
	"github.com/calwatch/calwatch/internal/logging"
)

var version = "dev"

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		dataDir     = flag.String("data-dir", "", "Directory for the subscription store")
		serverAddr  = flag.String("addr", "", "HTTP listen address")
		logLevel    = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("calwatch %s\n", version)
		return
	}

	cfg, err := config.LoadConfig(*configFile, *dataDir, *serverAddr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        logging.LogFormat(cfg.Logging.Format),
		IncludeCaller: cfg.Logging.IncludeCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Logging setup error: %v\n", err)
		os.Exit(1)
	}

	log.Info().Str("version", version).Msg("calwatch starting")

	eng, err := engine.CreateEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Engine exited with error")
	}
}
