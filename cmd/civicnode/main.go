package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/civicreport/civicnode/internal/api"
	"github.com/civicreport/civicnode/internal/bus"
	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/facade"
	"github.com/civicreport/civicnode/internal/network"
	"github.com/civicreport/civicnode/internal/photo"
	"github.com/civicreport/civicnode/internal/queue"
	"github.com/civicreport/civicnode/internal/store"
	syncengine "github.com/civicreport/civicnode/internal/sync"
	"github.com/civicreport/civicnode/internal/web"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Optional .env for development; flags and the config file remain the
	// source of truth.
	godotenv.Load()

	configPath := flag.String("config", "/etc/civicnode/config.json", "Path to config file")
	dataDir := flag.String("data", "/var/lib/civicnode", "Path to data directory")
	webPort := flag.Int("port", 8090, "API server port")
	busPort := flag.Int("bus-port", 4222, "Event bus port")
	serverURL := flag.String("server", "", "Platform server URL (overrides config)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("CivicNode v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	log.Printf("🚀 Starting CivicNode v%s", version)

	cfg, err := config.NewManager(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	if *serverURL != "" {
		platCfg := cfg.Get().Platform
		platCfg.ServerURL = *serverURL
		if err := cfg.SetPlatformConfig(platCfg); err != nil {
			log.Fatalf("Failed to apply server URL: %v", err)
		}
	}

	kv, err := store.NewFileStore(cfg.GetStoreDir())
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	offlineQueue := queue.New(kv, cfg.Get().Sync.RetryAttempts)

	eventBus, err := bus.New(bus.Config{Port: *busPort})
	if err != nil {
		log.Fatalf("Failed to start event bus: %v", err)
	}
	defer eventBus.Shutdown()

	platformClient := api.NewClient(cfg)
	photoUploader := photo.NewUploader(cfg)

	monitor := network.NewMonitor(platformClient, network.Config{})
	engine := syncengine.NewEngine(cfg, offlineQueue, platformClient, photoUploader, monitor, eventBus)

	// Reachability recovery and queue growth both feed the engine's
	// rate-limited auto trigger; the engine decides whether a pass runs.
	monitor.SetRecoveryTrigger(func() {
		engine.TriggerAuto("connectivity restored")
	})
	monitor.SetChangeHandler(func(st network.State) {
		if err := eventBus.PublishJSON(bus.SubjectNetworkState, st); err != nil {
			log.Printf("⚠️ Failed to publish network state: %v", err)
		}
	})
	offlineQueue.OnChange(func(pending int) {
		if err := eventBus.PublishJSON(bus.SubjectQueueUpdated, map[string]int{"pending": pending}); err != nil {
			log.Printf("⚠️ Failed to publish queue update: %v", err)
		}
		engine.TriggerAuto("queue growth")
	})

	app := facade.New(cfg, offlineQueue, monitor, engine)
	webServer := web.NewServer(cfg, app, platformClient, monitor, eventBus, *webPort)

	monitor.Start()
	engine.Start()

	go func() {
		if err := webServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Web server failed: %v", err)
		}
	}()

	log.Printf("✅ CivicNode running")
	log.Printf("🌐 API: http://localhost:%d", *webPort)
	log.Printf("📡 Event bus: %s", eventBus.Address())
	log.Printf("📥 Pending reports: %d", offlineQueue.Count())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("🛑 Shutting down...")
	webServer.Stop()
	engine.Stop()
	monitor.Stop()
}
