package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chanrelay/internal/app"
	"chanrelay/internal/config"
	"chanrelay/internal/relay"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and toggle stored jobs",
	Long: `Work on the job store named in the config file, without starting the relay.

A running relay picks up start and stop on its next reconcile pass.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with cursor and phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		owner, _ := cmd.Flags().GetInt64("owner")
		return withRelay(cmd, func(ctx context.Context, rel *relay.Supervisor) error {
			list, err := rel.List(ctx)
			if owner != 0 {
				list, err = rel.ListOwner(ctx, owner)
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKEY\tSOURCE\tTARGET\tACTIVE\tCURSOR\tEND\tFORWARDS\tUPDATED")
			for _, st := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\t%d\t%s\n",
					st.ID, st.Key, st.Source, st.Target, st.Active, st.Cursor, st.End,
					st.Forwards, st.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		})
	},
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark a job active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, rel *relay.Supervisor) error {
			return rel.Start(ctx, args[0])
		})
	},
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Mark a job inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, rel *relay.Supervisor) error {
			return rel.Stop(ctx, args[0])
		})
	},
}

var jobsResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Rewind an inactive job to its start id and forget its copies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, rel *relay.Supervisor) error {
			job, err := rel.Reset(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s reset, cursor %d\n", job.ID, job.Cursor)
			return nil
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove an inactive job and its copy records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, rel *relay.Supervisor) error {
			if err := rel.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s deleted\n", args[0])
			return nil
		})
	},
}

func init() {
	jobsListCmd.Flags().BoolP("json", "j", false, "print statuses as JSON")
	jobsListCmd.Flags().Int64("owner", 0, "only jobs of this owner id")
	jobsCmd.AddCommand(jobsListCmd, jobsStartCmd, jobsStopCmd, jobsResetCmd, jobsDeleteCmd)
}

// withRelay opens the configured store and hands fn an engine that is not
// running, so control calls only touch stored state.
func withRelay(cmd *cobra.Command, fn func(ctx context.Context, rel *relay.Supervisor) error) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	m := config.NewManager(cfgPath)
	ov, err := config.LoadOverrides(nil)
	if err != nil {
		return err
	}
	m.SetOverrides(ov)
	cfg, err := m.Parse()
	if err != nil {
		return err
	}

	sc, err := app.StorageConfig(cfg)
	if err != nil {
		return err
	}
	log := logx.NewConsole(os.Stderr, "warn")
	st, err := storage.Open(sc, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, relay.NewSupervisor(st, nil, relay.Options{Log: log}))
}
