package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	offsetFlag   int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job", "j"},
	Short:   "Inspect stored jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored jobs, most recently updated first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job as markdown or JSON",
	Long: `Show a job as markdown or JSON. The id may be any unambiguous prefix.

Examples:
  sandbox jobs show 3f2a
  sandbox jobs show 3f2a --format json -o job.json`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsShow,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a stored job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsDeleteCmd)

	jobsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (Pending, Started, Success, Failure, Timeout)")
	jobsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max jobs to show")
	jobsListCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Jobs to skip")

	jobsShowCmd.Flags().StringVar(&exportFormat, "format", "md", "Output format: md or json")
	jobsShowCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	jobsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation and allow deleting unsettled jobs")
}

func openConfiguredStore() (storage.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "memory" {
		return nil, fmt.Errorf("the memory backend keeps no jobs between runs; configure sqlite or redis")
	}
	return openStore(cfg.Storage)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	opts := storage.ListOptions{
		Status: schema.Status(statusFilter),
		Limit:  limitFlag,
		Offset: offsetFlag,
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	store, err := openConfiguredStore()
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.List(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-24s %-8s %s\n", "ID", "STATUS", "ENVIRONMENT", "CHECKS", "UPDATED")
	fmt.Println(strings.Repeat("─", 70))

	for _, j := range jobs {
		env := j.Environment
		if len(env) > 22 {
			env = env[:22] + ".."
		}
		fmt.Printf("%-10s %-10s %-24s %-8d %s\n",
			shortID(j.ID), j.Status, env, j.Checks, timeAgo(j.UpdatedAt))
	}

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, err := openConfiguredStore()
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := getJob(context.Background(), store, args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(st)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	case "md", "markdown":
		output = storage.ExportMarkdown(st)
	default:
		return fmt.Errorf("unknown format %q (want md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	store, err := openConfiguredStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	st, err := getJob(ctx, store, args[0])
	if err != nil {
		return err
	}

	if err := checkDeletable(st, forceFlag); err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete job %s (%s, %s)? [y/N] ", shortID(st.ID), st.Environment, st.Status)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.Delete(ctx, st.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted job %s\n", shortID(st.ID))
	return nil
}

// getJob loads a job by id or unambiguous id prefix.
func getJob(ctx context.Context, store storage.Store, prefix string) (*schema.JobState, error) {
	id, err := store.Resolve(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, id)
}

// checkDeletable refuses to delete a job that has not settled unless
// forced. The CLI cannot stop a job running inside a server.
func checkDeletable(st *schema.JobState, force bool) error {
	if st.Status.Terminal() || force {
		return nil
	}
	return apperr.Newf(apperr.Conflict,
		"job %s is still %s; cancel it through the server first or pass --force", shortID(st.ID), st.Status)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
