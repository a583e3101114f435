package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"Aetherra-Core/sdk/go/aetherra"
)

func (a *app) runCmd() *cobra.Command {
	var (
		jobID    string
		params   []string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Submit a catalog script as a job",
		Long: `Submit a script from the daemon's catalog. Parameters are key=value pairs;
values that parse as JSON (numbers, booleans, objects) are sent as such, anything
else as a string.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			job, err := client.Run(cmd.Context(), aetherra.RunRequest{JobID: jobID, Script: args[0], Parameters: parameters})
			if err != nil {
				return err
			}
			if wait {
				job, err = client.WaitForJob(cmd.Context(), job.ID, interval)
				if err != nil {
					return err
				}
			}
			if err := a.printJob(cmd, job); err != nil {
				return err
			}
			if wait && job.Status != "completed" {
				return fmt.Errorf("job %s finished with status %s", job.ID, job.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "job id (generated when empty)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "script parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "poll", 500*time.Millisecond, "status polling interval with --wait")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			job, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJob(cmd, job)
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			cancelled, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, map[string]any{"job_id": args[0], "cancelled": cancelled})
			}
			if cancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already finished\n", args[0])
			}
			return nil
		},
	}
}

func (a *app) jobsCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context(), aetherra.ListJobsOptions{Statuses: statuses, Limit: limit})
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tSCRIPT\tSTATUS\tCREATED\tCOMPLETED")
			for _, j := range jobs {
				created := j.CreatedAt
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.Status, formatTime(&created), formatTime(j.CompletedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (comma separated)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of jobs")
	return cmd
}

func (a *app) scriptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scripts",
		Short: "List the daemon's script catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			scripts, err := client.Scripts(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, scripts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMODE\tRUNNABLE\tPLUGINS\tDESCRIPTION")
			for _, s := range scripts {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", s.Name, s.Mode, s.Runnable, strings.Join(s.Plugins, ","), s.Description)
			}
			return tw.Flush()
		},
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	var req aetherra.CleanupRequest
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			report, err := client.Cleanup(cmd.Context(), req)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs (%d expired, %d trimmed)\n", report.Deleted, report.Expired, report.Trimmed)
			return nil
		},
	}
	cmd.Flags().Float64Var(&req.MaxAgeHours, "max-age-hours", 0, "delete finished jobs older than this many hours")
	cmd.Flags().IntVar(&req.MaxJobs, "max-jobs", 0, "keep at most this many jobs")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show daemon statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, stats)
			}
			j, out := stats.Jobs, cmd.OutOrStdout()
			fmt.Fprintf(out, "jobs: %d total, %d pending, %d running, %d completed, %d failed, %d cancelled\n",
				j.Total, j.Pending, j.Running, j.Completed, j.Failed, j.Cancelled)
			fmt.Fprintf(out, "scripts: %d  plugins: %d  versioned plugins: %d\n", stats.Scripts, stats.Plugins, stats.Versioned)
			return nil
		},
	}
}

func (a *app) printJob(cmd *cobra.Command, job aetherra.Job) error {
	if a.jsonOutput() {
		return printJSON(cmd, job)
	}
	out := cmd.OutOrStdout()
	created := job.CreatedAt
	fmt.Fprintf(out, "ID:        %s\n", job.ID)
	fmt.Fprintf(out, "Script:    %s\n", job.Name)
	fmt.Fprintf(out, "Status:    %s\n", job.Status)
	fmt.Fprintf(out, "Created:   %s\n", formatTime(&created))
	fmt.Fprintf(out, "Started:   %s\n", formatTime(job.StartedAt))
	fmt.Fprintf(out, "Completed: %s\n", formatTime(job.CompletedAt))
	if job.Error != "" {
		fmt.Fprintf(out, "Error:     %s (%s)\n", job.Error, job.ErrorCode)
	}
	if len(job.Output) > 0 {
		raw, err := json.MarshalIndent(job.Output, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Output:\n%s\n", raw)
	}
	return nil
}

func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}
