package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/coordinator"
)

const adminTimeout = 5 * time.Second

// baseURL resolves the admin API of the coordinator to talk to.
func (o *rootOptions) baseURL() string {
	addr := o.addr
	if addr == "" && o.v != nil {
		addr = o.v.GetString("server.admin")
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func (o *rootOptions) get(cmd *cobra.Command, path string, out any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	return cluster.GetJSON(ctx, o.baseURL()+path, out)
}

func (o *rootOptions) post(cmd *cobra.Command, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	return cluster.PostJSON(ctx, o.baseURL()+path, body, out)
}

// query builds a read-only subcommand that fetches path into a fresh T and
// renders it as text unless --json is set.
func query[T any](opts *rootOptions, use, short, path string, text func(io.Writer, *T)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out T
			if err := opts.get(cmd, path, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(w, &out)
			}
			text(w, &out)
			return nil
		},
	}
}

func adminCommands(opts *rootOptions) []*cobra.Command {
	return []*cobra.Command{
		query(opts, "accounts", "List every known account", "/accounts",
			func(w io.Writer, r *accountsResponse) { printAccounts(w, r.Accounts) }),
		query(opts, "workers", "List the active workers", "/workers",
			func(w io.Writer, r *accountsResponse) { printAccounts(w, r.Accounts) }),
		query(opts, "users", "List the user accounts", "/users",
			func(w io.Writer, r *accountsResponse) { printAccounts(w, r.Accounts) }),
		query(opts, "jobs", "List the jobs awaiting a result", "/jobs",
			func(w io.Writer, r *jobsResponse) { printJobs(w, r.Jobs) }),
		query(opts, "completed", "List the jobs completed since the last policy change", "/completed",
			func(w io.Writer, r *jobsResponse) { printJobs(w, r.Jobs) }),
		query(opts, "performance", "Show the last load report of every worker", "/performance", printPerformance),
		query(opts, "job-types", "Show the average cpu share per job type", "/job-types", printJobTypes),
		query(opts, "stats", "Show aggregate dispatch statistics", "/stats", printStats),
		query(opts, "mailbox", "List parked messages and queued events", "/mailbox", printMailbox),
		newSaveCmd(opts),
		newPolicyCmd(opts),
	}
}

func newSaveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write a snapshot of the coordinator state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out snapshotResponse
			if err := opts.post(cmd, "/snapshot", struct{}{}, &out); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), &out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s saved at %s\n", out.Key, out.SavedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policy [index]",
		Short: "Show or switch the load balancing policy",
		Long: `Without an argument, print the active policy. With an index, switch to it:

  0  round robin
  1  queue length
  2  fitting cpu share
  3  min cpu share
  4  min cpu load and queue
  5  adaptive`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out policyResponse
			if len(args) == 0 {
				if err := opts.get(cmd, "/policy", &out); err != nil {
					return err
				}
			} else {
				idx, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("policy index %q: %w", args[0], err)
				}
				if err := opts.post(cmd, "/policy", policyRequest{Index: &idx}, &out); err != nil {
					return err
				}
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), &out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", out.Index, out.Name)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAccounts(w io.Writer, accounts []coordinator.Account) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tLOCATION\tLOAD")
	for _, a := range accounts {
		load := "-"
		if a.Performance != nil {
			load = a.Performance.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.ID, a.Role, a.Location, load)
	}
	tw.Flush()
}

func printJobs(w io.Writer, jobs []coordinator.TaskMetadata) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tORIGINAL\tTYPE\tOWNER\tWORKER\tSUBMITTED\tEXEC")
	for _, j := range jobs {
		worker := "-"
		if j.Assignee != nil {
			worker = strconv.Itoa(*j.Assignee)
		}
		exec := "-"
		if d := j.ExecutionTime(); d > 0 {
			exec = d.String()
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
			j.JobID, j.OriginalJobID, j.Job.Type, j.Owner, worker, j.SubmitTime.Format(time.TimeOnly), exec)
	}
	tw.Flush()
}

func printPerformance(w io.Writer, r *performanceResponse) {
	ids := make([]int, 0, len(r.Performance))
	for id := range r.Performance {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tCPU\tOUTSTANDING")
	for _, id := range ids {
		p := r.Performance[id]
		if p == nil {
			fmt.Fprintf(tw, "%d\t-\t-\n", id)
			continue
		}
		fmt.Fprintf(tw, "%d\t%.3f\t%d\n", id, p.CPULoad, p.OutstandingJobs)
	}
	tw.Flush()
}

func printJobTypes(w io.Writer, r *jobTypesResponse) {
	names := make([]string, 0, len(r.Averages))
	for name := range r.Averages {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tAVG CPU SHARE")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%.4f\n", name, r.Averages[name])
	}
	tw.Flush()
}

func printStats(w io.Writer, r *statsResponse) {
	fmt.Fprintf(w, "Policy: %s (%d)\n", r.Policy.Name, r.Policy.Index)
	fmt.Fprintln(w, r.AggregateStats.String())
}

func printMailbox(w io.Writer, r *mailboxResponse) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARCEL\tACCOUNT\tPARKED\tMESSAGE")
	for _, p := range r.Parcels {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.ID, p.Account, p.ParkedAt.Format(time.TimeOnly), p.Message)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d queued events\n", len(r.Events))
	for _, m := range r.Events {
		fmt.Fprintf(w, "  %s\n", m)
	}
}
