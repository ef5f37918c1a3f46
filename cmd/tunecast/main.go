// Tunecast - now-playing broadcast plugin for desktop music players.
//
// Tunecast serves the current track over a small TCP endpoint that speaks
// both plain HTTP and WebSocket, so stream overlays and widgets can follow
// playback live. It also exposes a REST control API and can mirror playback
// to an MQTT broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/api"
	"github.com/tunecast-project/tunecast/internal/cli"
	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/plugin"
	"github.com/tunecast-project/tunecast/internal/scheduler"
	"github.com/tunecast-project/tunecast/internal/server"
	"github.com/tunecast-project/tunecast/internal/telemetry"
	"github.com/tunecast-project/tunecast/internal/util"
)

const Banner = `
  _                                    _
 | |_ _   _ _ __   ___  ___ __ _ ___| |_
 | __| | | | '_ \ / _ \/ __/ _' / __| __|
 | |_| |_| | | | |  __/ (_| (_| \__ \ |_
  \__|\__,_|_| |_|\___|\___\__,_|___/\__|  v%s
 Now-playing broadcast plugin
`

var (
	configDir   = flag.String("config", config.DefaultConfigDir, "Configuration directory")
	runSetup    = flag.Bool("setup", false, "Run the interactive setup wizard before starting")
	showVersion = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunecast v%s\n", util.Version)
		return
	}

	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	logFile, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting tunecast")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if f, err := util.InitLogger(util.LogConfig{
		Level:     logging.Level,
		Directory: logging.Directory,
		Console:   true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logFile.Close()
		logFile = f
	}
	defer logFile.Close()

	if *runSetup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, fix the errors above or run with -setup")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if plug := cfg.GetPlugin(); plug.Enabled && (plug.Host == "" || plug.Host == "0.0.0.0") {
		if ip, err := util.GetLocalIP(); err == nil {
			log.Info().Str("lan_addr", fmt.Sprintf("%s:%d", ip, plug.Port)).Msg("overlays on this network can connect here")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	srv := server.New(cfg, eventBus)
	host := plugin.NewHost(cfg, srv, eventBus)

	watcher := config.NewWatcher(cfg, eventBus, config.DefaultDebounce)
	sched := scheduler.NewScheduler(cfg, eventBus)
	cliHandler := cli.NewCLI(eventBus, srv, host, os.Stdin, os.Stdout)

	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		apiServer = api.NewServer(cfg, eventBus, srv, host)
	}

	var bridge *telemetry.MQTTBridge
	if cfg.GetMQTT().Enabled {
		bridge, err = telemetry.NewMQTTBridge(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	shutdownCh := make(chan string, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, e events.Event) error {
		select {
		case shutdownCh <- e.Source:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup

	// The playback server is the whole point; keep retrying the bind for a
	// while in case a previous instance is still releasing the port.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.GetPlugin().Addr()).Msg("starting playback server")
		if err := startWithRetry(ctx, "playback server", host.Run, 5); err != nil {
			log.Error().Err(err).Msg("playback server failed after retries, waiting for a config change")
		}
	}()

	if err := watcher.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable, edits need a restart")
	}

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := bridge.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cliHandler.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case src := <-shutdownCh:
		log.Info().Str("source", src).Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	host.Shutdown()
	watcher.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("tunecast stopped")
}

// startWithRetry calls startFn until it succeeds, ctx is cancelled or
// maxRetries extra attempts have failed, waiting 3 seconds between tries.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
