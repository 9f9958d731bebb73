// swarm-node runs one shared memory node: the storage engine, the TTL
// sweeper, and, when configured, the peer sync transport.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/swarmmem/swarmmem/pkg/config"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/swarmmem"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Pick up OPENAI_API_KEY, POSTGRES_URL and friends from .env if present
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Error("Failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log.Setup(log.Config{
		Level:  log.Level(cfg.Logging.Level),
		Format: log.Format(cfg.Logging.Format),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := swarmmem.Open(ctx, cfg)
	if err != nil {
		log.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		log.Error("Failed to start engine", "error", err)
		engine.Stop(context.Background())
		os.Exit(1)
	}

	log.Info("Swarm node running",
		"driver", cfg.Storage.Driver,
		"sync_enabled", cfg.Sync.Enabled,
	)

	<-ctx.Done()
	log.Info("Shutting down")

	if err := engine.Stop(context.Background()); err != nil {
		log.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
}
