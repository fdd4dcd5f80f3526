package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reframe/reframe-render/internal/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain export jobs",
	Long: `Read export jobs straight from the job database. These commands work
whether or not 'reframed serve' is running.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent export jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one export job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished jobs",
	Long: `Delete complete, failed and cancelled jobs that finished more than
--older-than ago. Pending and processing jobs are never touched, and exported
files are left in place.`,
	Args: cobra.NoArgs,
	RunE: runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Int("limit", 20, "Number of jobs to show")
	jobsListCmd.Flags().Bool("active", false, "Only pending and processing jobs")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().Duration("older-than", 7*24*time.Hour, "Delete jobs finished longer ago than this")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	limit, _ := cmd.Flags().GetInt("limit")
	activeOnly, _ := cmd.Flags().GetBool("active")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, closer, err := openStore(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer closer.Close()

	var list []*jobs.ExportJob
	if activeOnly {
		list, err = manager.ListActive(cmd.Context(), "")
	} else {
		list, err = manager.List(cmd.Context(), limit)
	}
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), list)
	}
	return printJobs(cmd.OutOrStdout(), list)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, closer, err := openStore(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer closer.Close()

	job, err := manager.Get(cmd.Context(), args[0])
	if errors.Is(err, jobs.ErrNotFound) {
		return fmt.Errorf("job %s not found", args[0])
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), job)
	}
	return printJob(cmd.OutOrStdout(), job)
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, closer, err := openStore(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer closer.Close()

	n, err := manager.Purge(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d finished job(s) older than %s\n", n, olderThan)
	return nil
}

func printJobs(w io.Writer, list []*jobs.ExportJob) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "no jobs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESOURCE\tSTATUS\tAGE\tRESULT")
	for _, j := range list {
		result := j.ResultRef
		if j.ErrorKind != "" {
			result = string(j.ErrorKind)
		}
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.ResourceKey, j.Status, humanize.Time(j.SubmittedAt), result)
	}
	return tw.Flush()
}

func printJob(w io.Writer, j *jobs.ExportJob) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	at := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Local().Format(time.DateTime)
	}

	row("ID", j.ID)
	row("Resource", j.ResourceKey)
	row("Status", string(j.Status))
	row("Source", j.Config.Source.Ref)
	row("Output", fmt.Sprintf("%s @ %g fps", j.Config.Output.Format, j.Config.Output.FrameRate))
	row("Submitted", j.SubmittedAt.Local().Format(time.DateTime))
	row("Started", at(j.StartedAt))
	row("Heartbeat", at(j.HeartbeatAt))
	row("Completed", at(j.CompletedAt))
	row("Result", j.ResultRef)
	if j.ResultRef != "" {
		if info, err := os.Stat(j.ResultRef); err == nil {
			row("Size", humanize.Bytes(uint64(info.Size())))
		}
	}
	row("Error kind", string(j.ErrorKind))
	row("Error", j.ErrorMessage)
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
