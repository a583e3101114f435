package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"Aetherra-Core/sdk/go/aetherra"
)

func (a *app) snapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <plugin>",
		Short: "List the version history of a plugin, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			history, err := client.Snapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, history)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIMESTAMP\tORIGIN\tCONFIDENCE\tSIZE\tDESCRIPTION")
			for _, s := range history {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\n", s.Timestamp, s.Origin, s.Confidence, s.Size, s.Description)
			}
			return tw.Flush()
		},
	}
}

func (a *app) snapshotCmd() *cobra.Command {
	var (
		file string
		req  aetherra.SnapshotRequest
	)
	cmd := &cobra.Command{
		Use:   "snapshot <plugin>",
		Short: "Record a new version of a plugin from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				source []byte
				err    error
			)
			if file == "" || file == "-" {
				source, err = io.ReadAll(cmd.InOrStdin())
			} else {
				source, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read plugin source: %w", err)
			}
			req.Source = string(source)

			client, err := a.client()
			if err != nil {
				return err
			}
			snap, err := client.CreateSnapshot(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, snap)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s@%s created\n", snap.Plugin, snap.Timestamp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plugin source file (stdin when empty or -)")
	cmd.Flags().Float64Var(&req.Confidence, "confidence", 1, "confidence score between 0 and 1")
	cmd.Flags().StringVar(&req.Origin, "origin", "", "origin label (default manual)")
	cmd.Flags().StringVarP(&req.Description, "description", "d", "", "free-form description")
	return cmd
}

func (a *app) diffCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "diff <plugin> <from> <to>",
		Short: "Show the change between two snapshots",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			diff, err := client.Diff(cmd.Context(), args[0], args[1], args[2], format)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, diff)
			}
			fmt.Fprint(cmd.OutOrStdout(), diff.Diff)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "unified", "diff format: unified or context")
	return cmd
}

func (a *app) rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <plugin> <timestamp>",
		Short: "Restore a snapshot as the live plugin source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			res, err := client.Rollback(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s@%s to %s\n", args[0], args[1], res.Path)
			if res.Backup != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "previous live source saved as %s@%s\n", res.Backup.Plugin, res.Backup.Timestamp)
			}
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <plugin> [timestamp]",
		Short: "Export a snapshot to the daemon's export target",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ts string
			if len(args) == 2 {
				ts = args[1]
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			location, err := client.Export(cmd.Context(), args[0], ts)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, map[string]string{"plugin": args[0], "location": location})
			}
			fmt.Fprintln(cmd.OutOrStdout(), location)
			return nil
		},
	}
}
