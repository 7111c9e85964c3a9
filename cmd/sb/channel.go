package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelurahan/switchboard/internal/channel"
	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/spf13/cobra"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channel",
		Aliases: []string{"ch"},
		Short:   "Manage the tenant's WhatsApp session",
		Long:    "Create, pair, inspect and tear down the WhatsApp session of the configured tenant.",
	}

	cmd.AddCommand(newChannelStatusCmd())
	cmd.AddCommand(newChannelCreateCmd())
	cmd.AddCommand(newChannelConnectCmd())
	cmd.AddCommand(newChannelQRCmd())
	cmd.AddCommand(newChannelPairCmd())
	cmd.AddCommand(newChannelCheckDuplicateCmd())
	cmd.AddCommand(newChannelResolveCmd())
	cmd.AddCommand(newChannelDisconnectCmd())
	cmd.AddCommand(newChannelDeleteCmd())
	return cmd
}

// newManager loads config and builds the tenant's channel manager.
func newManager(configPath string) (*channel.Manager, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	alerter, err := newNotifier(cfg.Notify)
	if err != nil {
		return nil, nil, err
	}
	m, err := channel.NewManager(channel.ManagerOpts{
		Backend:        client,
		TenantID:       cfg.Tenant.ID,
		Log:            logging.App(),
		Audit:          logging.Audit(),
		Alerter:        alerter,
		StatusInterval: cfg.Polling.SessionStatusPoll(),
		QRInterval:     cfg.Polling.QRRefresh(),
	})
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

// channelCmd builds a leaf command that runs fn against the manager.
func channelCmd(use, short string, args cobra.PositionalArgs, fn func(cmd *cobra.Command, m *channel.Manager, args []string) error) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := newManager(configPath)
			if err != nil {
				return err
			}
			return fn(cmd, m, args)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func newChannelStatusCmd() *cobra.Command {
	return channelCmd("status", "Show the session status", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		s, err := m.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("session status unknown: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatSession(*s, m.State()))
		return nil
	})
}

func newChannelCreateCmd() *cobra.Command {
	return channelCmd("create", "Create the session", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		existing, err := m.CreateSession(cmd.Context())
		if err != nil {
			return err
		}
		if existing {
			fmt.Fprintln(cmd.OutOrStdout(), "Session already exists")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Session created")
		}
		return nil
	})
}

func newChannelConnectCmd() *cobra.Command {
	return channelCmd("connect", "Begin or resume pairing", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		if err := m.InitiateConnect(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pairing requested; fetch the QR with `sb channel qr`")
		return nil
	})
}

func newChannelQRCmd() *cobra.Command {
	return channelCmd("qr", "Print the current QR payload as a data URI", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		if _, err := m.Status(cmd.Context()); err != nil {
			return err
		}
		qr, err := m.FetchQR(cmd.Context())
		if err != nil {
			return err
		}
		if qr == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Already logged in; no QR to show")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), channel.QRDataURI(qr))
		return nil
	})
}

func newChannelPairCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Run the pairing loop until the phone scans the QR",
		Long:  "Creates the session if needed, then polls status every second and refreshes the QR every two seconds until login, conflict or timeout.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := newManager(configPath)
			if err != nil {
				return err
			}
			return runChannelPair(cmd, m, timeout)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up after this long")
	return cmd
}

func runChannelPair(cmd *cobra.Command, m *channel.Manager, timeout time.Duration) error {
	out := cmd.OutOrStdout()
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	if _, err := m.CreateSession(ctx); err != nil {
		return err
	}
	p, err := m.StartPairing(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	var result error
	loggedIn := false
	for u := range p.Updates() {
		switch u.Kind {
		case channel.UpdateQR:
			fmt.Fprintf(out, "Scan this QR (refreshed %s):\n%s\n", time.Now().Format("15:04:05"), channel.QRDataURI(u.QR))
		case channel.UpdateLoggedIn:
			loggedIn = true
			fmt.Fprintf(out, "Logged in as %s\n", u.Session.PhoneNumber)
		case channel.UpdateConflict:
			d := u.Duplicate
			fmt.Fprintf(out, "Number %s is already paired with %s (%s).\n", d.PhoneNumber, d.OwningTenantName, d.OwningTenantID)
			fmt.Fprintf(out, "Resolve with `sb channel resolve self` or `sb channel resolve force %s`.\n", d.OwningTenantID)
			result = fmt.Errorf("duplicate number %s", d.PhoneNumber)
		case channel.UpdateError:
			fmt.Fprintf(out, "poll failed: %v\n", u.Err)
		}
	}
	if !loggedIn && result == nil {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = errors.New("pairing closed")
		}
		result = fmt.Errorf("pairing stopped before login: %w", cause)
	}
	return result
}

func newChannelCheckDuplicateCmd() *cobra.Command {
	return channelCmd("check-duplicate <number>", "Check whether a number is paired with another tenant", cobra.ExactArgs(1), func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		d, err := m.CheckDuplicate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if d.IsDuplicate {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is paired with %s (%s)\n", d.PhoneNumber, d.OwningTenantName, d.OwningTenantID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is free\n", d.PhoneNumber)
		}
		return nil
	})
}

func newChannelResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a duplicate-number conflict",
	}
	cmd.AddCommand(channelCmd("self", "Drop this tenant's session, leaving the number with its owner", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		if err := m.ResolveDuplicateBySelf(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session deleted")
		return nil
	}))
	cmd.AddCommand(channelCmd("force <tenant-id>", "Disconnect the other tenant's session and keep the number", cobra.ExactArgs(1), func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		target := strings.TrimSpace(args[0])
		if _, err := m.Status(cmd.Context()); err != nil {
			return err
		}
		if err := m.ResolveDuplicateByForce(cmd.Context(), target); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disconnected tenant %s\n", target)
		return nil
	}))
	return cmd
}

func newChannelDisconnectCmd() *cobra.Command {
	return channelCmd("disconnect", "Log the channel out, keeping the session", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		if err := m.Disconnect(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Disconnected")
		return nil
	})
}

func newChannelDeleteCmd() *cobra.Command {
	return channelCmd("delete", "Delete the session", cobra.NoArgs, func(cmd *cobra.Command, m *channel.Manager, args []string) error {
		if err := m.DeleteSession(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session deleted")
		return nil
	})
}
