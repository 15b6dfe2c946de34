package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
	"github.com/dojocodes/sandbox/internal/storage/memory"
)

var (
	runJSON      bool
	runEphemeral bool
)

var runCmd = &cobra.Command{
	Use:   "run <job-file>",
	Short: "Run a job file in this process",
	Long: `Run a job described in a YAML or JSON file and print every check's outcome.
The file has the same shape as the body of POST /api/jobs. Use - to read
the job from stdin.

The command exits non-zero unless the job succeeds.

Examples:
  sandbox run job.yaml
  sandbox run --json job.json
  cat job.yaml | sandbox run -`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final job state as JSON")
	runCmd.Flags().BoolVar(&runEphemeral, "ephemeral", false, "Keep the job in memory instead of the configured store")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := readJobFile(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var store storage.Store
	if runEphemeral {
		store = memory.New(0)
	} else if store, err = openStore(cfg.Storage); err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	eng, err := newEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, runErr := eng.orch.Run(ctx, *req)
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	eng.Close(closeCtx)
	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if runJSON {
		data, err := storage.ExportJSON(st)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		printState(out, st)
	}

	if st.Status != schema.StatusSuccess {
		return fmt.Errorf("job %s finished with status %s", st.ID, st.Status)
	}
	return nil
}

// readJobFile decodes a job request from YAML or JSON. YAML is converted
// to JSON first so both formats share the JSON field names and defaults.
func readJobFile(path string, stdin io.Reader) (*schema.JobCreate, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing job file: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("converting job file: %w", err)
		}
	}

	var req schema.JobCreate
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing job file: %w", err)
	}
	return &req, nil
}

func printState(w io.Writer, st *schema.JobState) {
	fmt.Fprintf(w, "Job:      %s\n", st.ID)
	fmt.Fprintf(w, "Status:   %s\n", st.Status)
	if st.Details != nil {
		fmt.Fprintf(w, "Details:  %s\n", *st.Details)
	}
	fmt.Fprintf(w, "Checks:   %d\n", len(st.Outputs))
	fmt.Fprintln(w, strings.Repeat("─", 60))

	for _, id := range st.CheckIDs() {
		o := st.Outputs[id]
		fmt.Fprintf(w, "\n%-20s %-8s %6.2fs", id, o.Status, o.Duration)
		if o.ExitCode != nil {
			fmt.Fprintf(w, "  exit %d", *o.ExitCode)
		}
		fmt.Fprintln(w)
		if o.Details != nil {
			fmt.Fprintf(w, "  %s\n", *o.Details)
		}
		if o.Stdout != "" {
			fmt.Fprintf(w, "  stdout: %s\n", truncate(o.Stdout, 200))
		}
		if o.Stderr != "" {
			fmt.Fprintf(w, "  stderr: %s\n", truncate(o.Stderr, 200))
		}
		for _, f := range o.Files {
			fmt.Fprintf(w, "  file:   %s\n", f.Path)
		}
	}
}
