// scope-sim runs the slicing-aware scheduler against a synthetic eNB stack.
package main

import (
	"fmt"
	"os"

	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// envOr returns the environment value of key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	var level, format string
	log := logging.Noop()

	root := &cobra.Command{
		Use:   "scope-sim",
		Short: "Slicing-aware LTE scheduler simulator",
		Long: `scope-sim drives the downlink and uplink schedulers with synthetic
terminals, one TTI at a time, reading tenant masks and policies from a
policy directory or from an in-memory equal split.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = logging.NewWithWriter(cmd.ErrOrStderr(), logging.Config{Level: level, Format: format})
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&level, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&format, "log-format", envOr("LOG_FORMAT", "text"), "Log format (text, json)")

	logger := func() logging.Logger { return log }
	root.AddCommand(
		newRunCmd(logger),
		newPolicyCmd(),
	)
	return root
}
