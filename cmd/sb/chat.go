package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/notify"
	"github.com/kelurahan/switchboard/internal/takeover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Live-chat takeover console",
		Long:  "List conversations, read timelines and take conversations over from the AI assistant.",
	}

	cmd.AddCommand(newChatListCmd())
	cmd.AddCommand(newChatShowCmd())
	cmd.AddCommand(newChatSendCmd())
	cmd.AddCommand(newChatTakeoverCmd())
	cmd.AddCommand(newChatReleaseCmd())
	cmd.AddCommand(newChatRetryCmd())
	cmd.AddCommand(newChatDeleteCmd())
	cmd.AddCommand(newChatWatchCmd())
	return cmd
}

// console bundles what chat commands need.
type console struct {
	cfg      *config.Config
	client   *api.Client
	coord    *takeover.Coordinator
	notifier notify.Notifier
}

func newConsole(configPath string) (*console, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		return nil, err
	}
	coord, err := takeover.NewCoordinator(takeover.CoordinatorOpts{
		Backend:         client,
		TenantID:        cfg.Tenant.ID,
		Log:             logging.App(),
		Audit:           logging.Audit(),
		Alerter:         notifier,
		PollInterval:    cfg.Polling.ConversationPoll(),
		ScrollThreshold: cfg.Polling.ScrollThresholdPx,
	})
	if err != nil {
		return nil, err
	}
	return &console{cfg: cfg, client: client, coord: coord, notifier: notifier}, nil
}

// chatCmd builds a leaf command that runs fn against a loaded console.
func chatCmd(use, short string, args cobra.PositionalArgs, setup func(cmd *cobra.Command), fn func(cmd *cobra.Command, c *console, args []string) error) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsole(configPath)
			if err != nil {
				return err
			}
			return fn(cmd, c, args)
		},
	}
	addConfigFlag(cmd, &configPath)
	if setup != nil {
		setup(cmd)
	}
	return cmd
}

// load performs the initial list fetch used by most chat commands.
func (c *console) load(ctx context.Context) error {
	if err := c.coord.Refresh(ctx, false); err != nil {
		return err
	}
	c.coord.RefreshStatuses(ctx)
	c.coord.RefreshUnread(ctx)
	return nil
}

func newChatListCmd() *cobra.Command {
	var filter string
	return chatCmd("list", "List conversations", cobra.NoArgs, func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&filter, "filter", "all", "all, takeover or bot")
	}, func(cmd *cobra.Command, c *console, args []string) error {
		c.coord.SetFilter(api.Filter(filter))
		if err := c.load(cmd.Context()); err != nil {
			return err
		}
		printConversations(cmd.OutOrStdout(), c.coord.View(), time.Now())
		return nil
	})
}

func printConversations(w io.Writer, v takeover.View, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tCHANNEL\tOWNER\tAI\tUNREAD\tLAST")
	for _, row := range v.Conversations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s %s\n",
			row.Key,
			truncate(conversationName(row.Conversation), 24),
			row.Channel,
			formatOwner(row),
			formatAI(row),
			row.UnreadCount,
			formatAgo(row.LastMessageAt, now),
			truncate(row.LastMessage, 40),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d conversations, %d unread\n", len(v.Conversations), v.Unread)
}

func newChatShowCmd() *cobra.Command {
	return chatCmd("show <key>", "Show a conversation timeline and mark it read", cobra.ExactArgs(1), nil, func(cmd *cobra.Command, c *console, args []string) error {
		if err := c.load(cmd.Context()); err != nil {
			return err
		}
		if err := c.coord.Select(cmd.Context(), args[0]); err != nil {
			return err
		}
		printTimeline(cmd.OutOrStdout(), c.coord.View())
		return nil
	})
}

func printTimeline(w io.Writer, v takeover.View) {
	if v.Detail != nil {
		d := v.Detail
		fmt.Fprintf(w, "%s (%s, %s)", conversationName(d.Conversation), d.Key, d.Channel)
		if d.Owner == takeover.OwnerHuman {
			fmt.Fprintf(w, " taken over: %s", d.TakeoverReason)
		}
		fmt.Fprintln(w)
	}
	for _, m := range v.Messages {
		fmt.Fprintln(w, formatMessage(m))
	}
	if v.NewMessages > 0 {
		fmt.Fprintf(w, "(%d new messages)\n", v.NewMessages)
	}
}

func newChatSendCmd() *cobra.Command {
	return chatCmd("send <key> <message...>", "Send an admin reply (requires takeover)", cobra.MinimumNArgs(2), nil, func(cmd *cobra.Command, c *console, args []string) error {
		if err := c.load(cmd.Context()); err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		c.coord.SetDraft(text)
		if err := c.coord.Send(cmd.Context(), args[0], text); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sent")
		return nil
	})
}

func newChatTakeoverCmd() *cobra.Command {
	var reason string
	return chatCmd("takeover <key>", "Take a conversation over from the AI", cobra.ExactArgs(1), func(cmd *cobra.Command) {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "why a human is taking over (required)")
	}, func(cmd *cobra.Command, c *console, args []string) error {
		if err := c.load(cmd.Context()); err != nil {
			return err
		}
		if err := c.coord.StartTakeover(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s taken over\n", args[0])
		return nil
	})
}

func newChatReleaseCmd() *cobra.Command {
	return chatCmd("release <key>", "Return a conversation to the AI", cobra.ExactArgs(1), nil, func(cmd *cobra.Command, c *console, args []string) error {
		if err := c.load(cmd.Context()); err != nil {
			return err
		}
		if err := c.coord.EndTakeover(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s returned to the AI\n", args[0])
		return nil
	})
}

func newChatRetryCmd() *cobra.Command {
	return chatCmd("retry <key>", "Retry failed AI processing", cobra.ExactArgs(1), nil, func(cmd *cobra.Command, c *console, args []string) error {
		if err := c.load(cmd.Context()); err != nil {
			return err
		}
		if err := c.coord.RetryAI(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "AI processing restarted")
		return nil
	})
}

func newChatDeleteCmd() *cobra.Command {
	var yes bool
	return chatCmd("delete <key>", "Irreversibly delete a conversation and its messages", cobra.ExactArgs(1), func(cmd *cobra.Command) {
		cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	}, func(cmd *cobra.Command, c *console, args []string) error {
		if !yes {
			return fmt.Errorf("refusing to delete %s without --yes", args[0])
		}
		if err := c.coord.DeleteHistory(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s deleted\n", args[0])
		return nil
	})
}

func newChatWatchCmd() *cobra.Command {
	var (
		filter string
		key    string
	)
	return chatCmd("watch", "Poll and print conversations until interrupted", cobra.NoArgs, func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&filter, "filter", "all", "all, takeover or bot")
		cmd.Flags().StringVar(&key, "key", "", "also follow this conversation's timeline")
	}, func(cmd *cobra.Command, c *console, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		c.coord.SetFilter(api.Filter(filter))
		return runChatWatch(ctx, cmd.OutOrStdout(), c, key)
	})
}

// runChatWatch runs the poll loop, printing the list whenever it changes
// and every event as it happens. A digest is posted on the configured cron
// schedule.
func runChatWatch(ctx context.Context, out io.Writer, c *console, key string) error {
	if key != "" {
		if err := c.coord.Select(ctx, key); err != nil {
			return err
		}
	}

	if c.cfg.Notify.DigestCron != "" {
		digest, err := notify.NewDigestScheduler(notify.DigestOpts{
			Schedule: c.cfg.Notify.DigestCron,
			Notifier: c.notifier,
			Build:    c.digest,
			Log:      logging.App().WithField("component", "digest"),
		})
		if err != nil {
			return err
		}
		digest.Start()
		defer digest.Stop(context.Background())
		fmt.Fprintf(out, "Digest scheduled (%s), next in %s\n", c.cfg.Notify.DigestCron, notify.NextRun(c.cfg.Notify.DigestCron).Round(time.Second))
	}

	done := make(chan struct{})
	go func() {
		c.coord.Run(ctx)
		close(done)
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-done:
			return nil
		case e := <-c.coord.Events():
			printEvent(out, e)
		case <-ticker.C:
			var b strings.Builder
			v := c.coord.View()
			printConversations(&b, v, time.Now())
			if key != "" {
				printTimeline(&b, v)
			}
			if snapshot := b.String(); snapshot != last {
				last = snapshot
				fmt.Fprintf(out, "--- %s ---\n%s", time.Now().Format("15:04:05"), snapshot)
			}
		}
	}
}

func printEvent(w io.Writer, e takeover.Event) {
	if e.Kind == takeover.EventError {
		fmt.Fprintf(w, "! %s %s: %v\n", e.Op, e.Key, e.Err)
		return
	}
	fmt.Fprintf(w, "+ %s %s: %s\n", e.Op, e.Key, e.Message)
}

// digest builds the takeover digest from a fresh conversation list.
func (c *console) digest(ctx context.Context) (*notify.Alert, error) {
	convs, err := c.client.ListConversations(ctx, c.cfg.Tenant.ID, api.FilterAll)
	if err != nil {
		return nil, err
	}
	alert := notify.ConversationDigest(c.cfg.Tenant.Name, convs)
	if alert != nil {
		logging.App().WithFields(logrus.Fields{"conversations": len(convs)}).Info("posting takeover digest")
	}
	return alert, nil
}
