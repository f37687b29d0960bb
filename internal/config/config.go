package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	// Database is the path of the SQLite database file.
	Database string

	// ListenAddr is the bind address of the admission and status HTTP API.
	ListenAddr string

	DiscordToken string

	// DiscordUsers maps ladder player IDs to Discord user IDs for
	// notification delivery.
	DiscordUsers map[string]string

	// Profile is the fairness profile name ("balanced" or "aggressive").
	Profile string

	// WorkerCount is the size of the replay decoder worker pool.
	WorkerCount int

	// DecoderCommand is the external replay decoder binary, empty means
	// the ladder's own worker subcommand.
	DecoderCommand string

	MapPool   []string
	ReplayDir string
}

func NewFromUserConfigDir() (*Config, error) {
	c := &Config{}
	if err := c.ReloadFromUserConfigDir(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) expandFromEnv() {
	vars := []struct {
		src string
		dst *string
	}{
		{"NYDUS_DATABASE", &c.Database},
		{"NYDUS_LISTEN", &c.ListenAddr},
		{"NYDUS_DISCORD_TOKEN", &c.DiscordToken},
		{"NYDUS_PROFILE", &c.Profile},
		{"NYDUS_DECODER_COMMAND", &c.DecoderCommand},
		{"NYDUS_REPLAY_DIR", &c.ReplayDir},
	}

	for _, v := range vars {
		if str := os.Getenv(v.src); str != "" {
			*v.dst = str
		}
	}

	if str := os.Getenv("NYDUS_WORKER_COUNT"); str != "" {
		count, err := strconv.Atoi(str)
		if err != nil {
			log.Printf("warning: ignoring bad NYDUS_WORKER_COUNT: %s", err)
		} else {
			c.WorkerCount = count
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = "./nydus.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:3001"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if len(c.MapPool) == 0 {
		c.MapPool = []string{
			"Tokamak LE", "Abyssal Reef", "Pylon Fields",
			"Shattered Crossing", "Ceres Station",
		}
	}
}

func (c *Config) ReloadFromUserConfigDir() error {
	defer c.applyDefaults()
	defer c.expandFromEnv()

	path, err := getOrCreateUserConfigPath()
	if err != nil {
		return err
	}
	log.Printf("debug: reading conf from %s", path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		*c = Config{}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewDecoder(f).Decode(c)
}

func getOrCreateUserConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(configDir, "nydus")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	return filepath.Join(dir, "config.json"), nil
}

func (c *Config) Write() error {
	path, err := getOrCreateUserConfigPath()
	if err != nil {
		return err
	}
	log.Printf("debug: writing conf to %s", path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0700)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(f).Encode(c); err != nil {
		if err2 := f.Close(); err2 != nil {
			return fmt.Errorf("unable to close file (%s) after error: %w", err2, err)
		}

		return err
	}

	return f.Close()
}
