package main

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Config struct {
	LogLevel     string        `koanf:"log_level"`
	Address      string        `koanf:"address"`
	WsPort       int           `koanf:"ws_port"`
	ArtPort      int           `koanf:"art_port"`
	ArtURL       string        `koanf:"art_url"`
	AllowOrigin  string        `koanf:"allow_origin"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Zeroconf     bool          `koanf:"zeroconf"`
}

var defaultConfig = map[string]any{
	"log_level":     "info",
	"address":       "0.0.0.0",
	"ws_port":       8765,
	"art_port":      8766,
	"art_url":       "",
	"allow_origin":  "",
	"poll_interval": 5 * time.Second,
	"zeroconf":      true,
}

// loadConfig layers defaults, an optional YAML file and command line flags,
// in that order of precedence.
func loadConfig(args []string) (*Config, error) {
	f := pflag.NewFlagSet("go-mpris-bridge", pflag.ContinueOnError)
	configPath := f.StringP("config", "c", "config.yml", "configuration file path")
	f.String("log_level", "info", "log level")
	f.String("address", "0.0.0.0", "bind address")
	f.Int("ws_port", 8765, "observer websocket port")
	f.Int("art_port", 8766, "cover art port")
	f.String("art_url", "", "externally reachable base url of the art server")
	f.String("allow_origin", "", "allowed websocket origin")
	f.Duration("poll_interval", 5*time.Second, "position poll interval")
	f.Bool("zeroconf", true, "advertise the bridge via mdns")
	if err := f.Parse(args); err != nil {
		return nil, fmt.Errorf("failed parsing flags: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultConfig, "."), nil); err != nil {
		return nil, fmt.Errorf("failed loading default configuration: %w", err)
	}

	if _, err := os.Stat(*configPath); err == nil {
		if err := k.Load(file.Provider(*configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed loading %s: %w", *configPath, err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed loading flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	if cfg.ArtURL == "" {
		// Observers fetch art themselves, localhost only works for local ones.
		cfg.ArtURL = fmt.Sprintf("http://localhost:%d", cfg.ArtPort)
	}

	return &cfg, nil
}
