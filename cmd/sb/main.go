package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is where every command looks for its config.
const defaultConfigPath = "switchboard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sb",
		Short:        "Switchboard: WhatsApp channel and live-chat takeover console",
		Long:         "Switchboard pairs a village's WhatsApp number and lets admins take conversations over from the AI assistant.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newChannelCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newSandboxCmd())
	cmd.AddCommand(newDBCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// addConfigFlag registers the shared --config flag.
func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Switchboard config file")
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
