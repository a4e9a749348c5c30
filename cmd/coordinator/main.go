// Command relay-coordinator runs the relay coordinator and talks to a
// running one through its admin API.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/relay/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configFile string
	addr       string
	jsonOut    bool

	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relay-coordinator",
		Short: "Load-balancing job dispatcher",
		Long: `relay-coordinator accepts jobs from user nodes, places them on worker
nodes with a pluggable load balancing policy and forwards results back to
the submitters, parking them while a user is offline.

Run "relay-coordinator serve" to start a coordinator. The other commands
query a running coordinator through its admin API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(opts.configFile)
			if err != nil {
				return err
			}
			opts.v = v
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./relay.yaml or $HOME/.config/relay/relay.yaml)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "admin API address of a running coordinator (default server.admin)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(adminCommands(opts)...)
	return root
}
