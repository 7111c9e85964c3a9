package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd() *cobra.Command {
	var (
		configPath string
		verify     bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the backend bearer token",
		Long:  "Prompts for the backend bearer token without echoing it and saves it to .env under the configured token_env name.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath, verify)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&verify, "verify", true, "check the token against the backend after saving")
	return cmd
}

// readSecret reads the token. Overridden in tests.
var readSecret = func(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), "Token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read token: %w", err)
	}
	return line, nil
}

func runLogin(cmd *cobra.Command, configPath string, verify bool) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	token, err := readSecret(cmd)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	if err := saveEnvValue(envFile, cfg.Backend.TokenEnv, token); err != nil {
		return err
	}
	if err := os.Setenv(cfg.Backend.TokenEnv, token); err != nil {
		return fmt.Errorf("set %s: %w", cfg.Backend.TokenEnv, err)
	}
	fmt.Fprintf(out, "Saved %s to %s\n", cfg.Backend.TokenEnv, envFile)

	if !verify {
		return nil
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	n, err := client.UnreadCount(cmd.Context(), cfg.Tenant.ID)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	fmt.Fprintf(out, "Token accepted for tenant %s (%d unread)\n", cfg.Tenant.ID, n)
	return nil
}

// saveEnvValue sets key in the dotenv file at path, keeping other entries.
func saveEnvValue(path, key, value string) error {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = existing
	}
	env[key] = value
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
