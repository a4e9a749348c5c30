// Command relay-node runs a relay worker or user node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/config"
	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
	v          *viper.Viper
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "relay-node",
		Short:        "Relay worker and user node",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(opts.configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			opts.v, opts.cfg = v, cfg
			return nil
		},
	}

	d := config.Default()
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./relay.yaml or $HOME/.config/relay/relay.yaml)")
	pf.String("coordinator", d.Node.Coordinator, "coordinator node protocol address")
	pf.String("listen", d.Node.Listen, "address this node accepts coordinator connections on")
	pf.String("log-level", d.Logging.Level, "log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("state-dir", d.Node.StateDir, "directory keeping the assigned id across restarts")

	root.AddCommand(newWorkerCmd(opts), newSubmitCmd(opts), newPolicyCmd(opts))
	return root
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"coordinator":    "node.coordinator",
	"listen":         "node.listen",
	"log-level":      "logging.level",
	"state-dir":      "node.state_dir",
	"stats-interval": "node.stats_interval_ms",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

func (o *rootOptions) logger() *logging.Logger {
	return logging.New(os.Stderr, o.cfg.Logging.Level)
}

func (o *rootOptions) agent(role cluster.Role, capacity int, exec Executor) (*Agent, error) {
	var store storage.Store
	if dir := o.cfg.Node.StateDir; dir != "" {
		s, err := storage.NewOSStore(dir)
		if err != nil {
			return nil, err
		}
		store = s
	}
	return NewAgent(AgentConfig{
		Role:          role,
		Coordinator:   o.cfg.Node.Coordinator,
		Listen:        o.cfg.Node.Listen,
		StatsInterval: o.cfg.Node.StatsInterval(),
		Capacity:      capacity,
		Executor:      exec,
		Store:         store,
		Logger:        o.logger(),
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var (
		capacity int
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run jobs handed out by the coordinator",
		Long: `Register as a worker and run jobs until interrupted.

Each job's payload is returned unchanged as its result after --delay. Load
is reported to the coordinator every --stats-interval milliseconds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.agent(cluster.RoleWorker, capacity, Echo(delay))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if err := a.Register(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d listening on port %d\n", a.ID(), a.Port())
			return a.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&capacity, "capacity", runtime.NumCPU(), "jobs run concurrently")
	cmd.Flags().DurationVar(&delay, "delay", 0, "simulated run time per job")
	cmd.Flags().Int("stats-interval", config.Default().Node.StatsIntervalMs, "milliseconds between load reports")
	return cmd
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		count   int
		jobType string
		payload string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs as a user and print their results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.agent(cluster.RoleUser, 1, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if err := a.Register(ctx); err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- a.Run(runCtx) }()

			for i := 1; i <= count; i++ {
				job := cluster.Job{ID: i, Type: jobType, Payload: []byte(payload)}
				if err := a.Submit(ctx, job); err != nil {
					return fmt.Errorf("submit job %d: %w", i, err)
				}
			}

			out := cmd.OutOrStdout()
			deadline := time.After(timeout)
			for got := 0; got < count; got++ {
				select {
				case r := <-a.Results():
					fmt.Fprintf(out, "job %d done by worker %d (cpu share %.3f): %s\n",
						r.JobID, r.Worker, r.CPUShare, r.Payload)
				case <-deadline:
					cancel()
					<-done
					return fmt.Errorf("%d of %d results received before timeout", got, count)
				case <-ctx.Done():
					cancel()
					<-done
					return ctx.Err()
				}
			}
			cancel()
			return <-done
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of jobs to submit")
	cmd.Flags().StringVar(&jobType, "type", "echo", "job type")
	cmd.Flags().StringVar(&payload, "payload", "hello", "job payload")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for results")
	return cmd
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policy <index>",
		Short: "Ask the coordinator to switch its load balancing policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("policy index %q: %w", args[0], err)
			}
			courier := &cluster.Courier{}
			msg := cluster.SetLoadBalancer(cluster.NullID, idx)
			if err := courier.Notify(cmd.Context(), opts.cfg.Node.Coordinator, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested policy %d\n", idx)
			return nil
		},
	}
}
