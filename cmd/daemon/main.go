package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"

	bridge "github.com/devgianlu/go-mpris-bridge"
	"github.com/devgianlu/go-mpris-bridge/artwork"
	"github.com/devgianlu/go-mpris-bridge/hub"
	"github.com/devgianlu/go-mpris-bridge/mpris"
)

// acquireLock takes the single-instance lock: two bridges would fight over
// the same ports.
func acquireLock() (*flock.Flock, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed getting cache dir: %w", err)
	}

	dir := filepath.Join(cacheDir, "go-mpris-bridge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed creating %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, "lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed acquiring instance lock: %w", err)
	} else if !locked {
		return nil, fmt.Errorf("another instance is already running")
	}

	return lock, nil
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("failed reading configuration")
	}

	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	}
	log.SetLevel(logLevel)

	log.Infof("%s starting", bridge.VersionString())

	lock, err := acquireLock()
	if err != nil {
		log.WithError(err).Fatal("failed locking instance")
	}
	defer func() { _ = lock.Unlock() }()

	// Without the session bus there is nothing to bridge.
	bus, err := mpris.NewSessionBus()
	if err != nil {
		log.WithError(err).Fatal("failed connecting to session bus")
	}
	defer func() { _ = bus.Close() }()

	monitor := mpris.NewMonitor(bus, cfg.ArtURL, cfg.PollInterval)

	h, err := hub.NewHub(cfg.Address, cfg.WsPort, cfg.AllowOrigin, monitor)
	if err != nil {
		log.WithError(err).Fatal("failed starting hub")
	}
	defer h.Close()

	artServer, err := artwork.NewServer(cfg.Address, cfg.ArtPort, artwork.NewResolver(monitor))
	if err != nil {
		log.WithError(err).Fatal("failed starting art server")
	}
	defer artServer.Close()

	monitor.OnUpdate(h.Broadcast)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed starting player monitor")
	}

	if cfg.Zeroconf {
		z, err := zeroconf.Register("go-mpris-bridge", "_mpris-bridge._tcp", "local.", cfg.WsPort,
			[]string{"VERSION=" + bridge.VersionNumberString()}, nil)
		if err != nil {
			log.WithError(err).Warn("failed registering zeroconf service")
		} else {
			defer z.Shutdown()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
}
