package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/notify"
	"github.com/kelurahan/switchboard/internal/notify/discord"
	"github.com/kelurahan/switchboard/internal/notify/slack"
)

// envFile is loaded before the config is read so token_env can refer to it.
var envFile = ".env"

// loadConfig loads .env (if present), the config file and initializes
// logging.
func loadConfig(path string) (*config.Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv loads variables from path without overriding the environment.
// A missing file is not an error.
func loadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// newClient builds the backend client from config.
func newClient(cfg *config.Config) (*api.Client, error) {
	token := cfg.Token()
	if token == "" {
		return nil, fmt.Errorf("no backend token: set %s or run `sb login`", cfg.Backend.TokenEnv)
	}
	return api.NewClient(api.ClientOpts{
		BaseURL: cfg.Backend.URL,
		Token:   token,
		Timeout: cfg.Timeout(),
		Log:     logging.App(),
	})
}

// newNotifier builds the ops alert channel, or a no-op when none is set.
func newNotifier(c config.NotifyConfig) (notify.Notifier, error) {
	switch c.Platform {
	case "slack":
		return slack.New(slack.Opts{BotToken: c.Slack.BotToken, ChannelID: c.Channel})
	case "discord":
		return discord.New(discord.Opts{BotToken: c.Discord.BotToken, ChannelID: c.Channel})
	case "":
		return notify.Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported notify platform %q", c.Platform)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
