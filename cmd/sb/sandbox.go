package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/db"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/responder"
	"github.com/kelurahan/switchboard/internal/sandbox"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the local reference backend",
		Long: `The sandbox implements the backend HTTP contract against a local
database so the console can be exercised without a production deployment.
Inbound customer messages are injected with POST /sandbox/inbound and a
WhatsApp login is simulated with POST /sandbox/pair.`,
	}
	cmd.AddCommand(newSandboxServeCmd())
	return cmd
}

func newSandboxServeCmd() *cobra.Command {
	var (
		configPath     string
		port           int
		absentStatusOK bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sandbox backend until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Sandbox.Port = port
			}

			gormDB, err := openSandboxDB(cfg)
			if err != nil {
				return err
			}
			rsp, err := newResponder(cfg.Sandbox.Responder)
			if err != nil {
				return err
			}

			srv, err := sandbox.New(sandbox.Opts{
				DB:             gormDB,
				Tokens:         sandboxTokens(cfg),
				Responder:      rsp,
				Log:            logging.App(),
				Audit:          logging.Audit(),
				StageDelay:     time.Duration(cfg.Sandbox.StageDelayMs) * time.Millisecond,
				AbsentStatusOK: absentStatusOK,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return srv.Start(ctx, sandbox.StartOpts{Port: cfg.Sandbox.Port, Out: cmd.OutOrStdout()})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 8090, "port to listen on (overrides sandbox.port)")
	cmd.Flags().BoolVar(&absentStatusOK, "absent-status-ok", false, "answer status for a missing session with 200 and exists=false")
	return cmd
}

// openSandboxDB connects, migrates and seeds the sandbox database.
func openSandboxDB(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	if err := db.SeedTenants(gormDB, sandboxTenants(cfg)); err != nil {
		return nil, err
	}
	return gormDB, nil
}

// sandboxTenants returns the tenants to seed. The console's own tenant is
// used when none are listed.
func sandboxTenants(cfg *config.Config) []config.TenantConfig {
	if len(cfg.Sandbox.Tenants) > 0 {
		return cfg.Sandbox.Tenants
	}
	if cfg.Tenant.ID == "" {
		return nil
	}
	return []config.TenantConfig{cfg.Tenant}
}

// sandboxTokens returns the accepted bearer tokens, falling back to the
// console's own token so one config file drives both sides.
func sandboxTokens(cfg *config.Config) []string {
	if len(cfg.Sandbox.Tokens) > 0 {
		return cfg.Sandbox.Tokens
	}
	if t := cfg.Token(); t != "" {
		return []string{t}
	}
	return nil
}

func newResponder(rc config.ResponderConfig) (responder.Responder, error) {
	switch rc.Kind {
	case "", "echo":
		return responder.Echo{}, nil
	case "openai":
		key := os.Getenv(rc.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("responder: openai: %s is not set", rc.APIKeyEnv)
		}
		return responder.NewOpenAI(responder.OpenAIOpts{
			APIKey:  key,
			BaseURL: rc.BaseURL,
			Model:   rc.Model,
			Prompt:  rc.Prompt,
		})
	default:
		return nil, fmt.Errorf("responder: unknown kind %q", rc.Kind)
	}
}
