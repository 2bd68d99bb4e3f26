package cli

import (
	"github.com/spf13/cobra"

	"github.com/forumhub/forum/hub"
)

var (
	version = "dev"
	hubOpts hub.Options
)

// NewRootCmd creates the root cobra command for forum-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string, opts hub.Options) *cobra.Command {
	version = v
	hubOpts = opts

	root := &cobra.Command{
		Use:   "forum-hub",
		Short: "Forum hub, real-time chat rooms",
		Long:  "Forum hub serves chat rooms over WebSocket, persists their history and mirrors them across instances through an MQTT broker.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hub version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("forum-hub %s\n", version)
		},
	}
}
