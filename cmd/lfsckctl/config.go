package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's on-disk configuration, loaded with yaml.v3 the way
// the teacher loads its own cluster/local config files.
type Config struct {
	DeviceKey    string `yaml:"device_key"`
	Master       bool   `yaml:"master"`
	BookmarkPath string `yaml:"bookmark_path"`
	ListenAddr   string `yaml:"listen_addr"`
}

func defaultConfig() Config {
	return Config{
		DeviceKey:    "mdt0",
		Master:       true,
		BookmarkPath: ":memory:",
		ListenAddr:   ":8866",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
