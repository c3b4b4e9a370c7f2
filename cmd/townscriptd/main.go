// Command townscriptd is the scripting-service host process: it reads
// framed messages from stdin, demultiplexes them by user_id across a
// per-user sandboxed VM, and writes responses to stdout. It accepts no
// command-line flags; all tuning is optional and comes from the YAML
// file named by TOWNSCRIPT_CONFIG, if set.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/config"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/metrics"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/router"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/sched"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/wire"
)

func main() {
	logger := log.New(os.Stderr, "townscriptd: ", log.LstdFlags)

	metricsAddr := ""
	if path := os.Getenv("TOWNSCRIPT_CONFIG"); path != "" {
		t, err := config.Load(path)
		if err != nil {
			logger.Fatalf("loading config: %v", err)
		}
		config.Apply(t)
		metricsAddr = t.MetricsAddr
	}
	if env := os.Getenv("TOWNSCRIPT_METRICS_ADDR"); env != "" {
		metricsAddr = env
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var collectors *metrics.Collectors
	if metricsAddr != "" {
		collectors = metrics.New()
		go func() {
			if err := collectors.Serve(ctx, metricsAddr); err != nil {
				logger.Printf("metrics listener stopped: %v", err)
			}
		}()
		logger.Printf("metrics listening on %s", metricsAddr)
	}

	writer := wire.NewWriter(os.Stdout)
	rt := router.New(writer, sched.DefaultMemoryLimit, logger, collectors)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("received shutdown signal")
		cancel()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(os.Stdin) }()

	select {
	case err := <-runErr:
		if err != nil {
			logger.Fatalf("router stopped: %v", err)
		}
	case <-ctx.Done():
		rt.Wait()
	}
}
