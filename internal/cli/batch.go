package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"djp.chapter42.de/renderq/internal/event"
	"djp.chapter42.de/renderq/internal/job"
	"djp.chapter42.de/renderq/internal/logger"
	"djp.chapter42.de/renderq/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const batchStopTimeout = 10 * time.Second

type batchOptions struct {
	prefix  string
	timeout time.Duration
}

func newBatchCommand(a *app) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch <file|dir|glob>...",
		Short: "Run workflow JSON files through the queue and wait for them",
		Long: "Loads every workflow file (directories contribute their *.json files), queues them, " +
			"waits for completion and prints a summary. Exits non-zero if any job did not complete.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.batch(ctx, cmd.OutOrStdout(), args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.prefix, "prefix", "batch", "Id prefix for the generated jobs")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	cmd.Flags().Int("concurrency", 0, "Number of jobs running at once")
	cmd.Flags().Int("retries", 0, "Retries per job after the first attempt")
	cmd.Flags().Duration("job-timeout", 0, "Per-attempt limit on the remote execution")
	return cmd
}

func (a *app) batch(ctx context.Context, out io.Writer, args []string, opts *batchOptions) error {
	log := logger.Log

	files, err := collectWorkflowFiles(args)
	if err != nil {
		return err
	}
	payloads := make([]json.RawMessage, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("fehler beim Lesen von %s: %w", f, err)
		}
		if !json.Valid(raw) {
			log.Warn("Ungültiges JSON, Datei übersprungen:", zap.String("file", f))
			continue
		}
		payloads = append(payloads, raw)
	}
	if len(payloads) == 0 {
		return fmt.Errorf("keine gültigen Workflow-Dateien gefunden")
	}

	q, _, err := newQueue(a.cfg, log)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	unsubscribe := q.Bus().OnAll(func(e event.Event) error {
		if e.Job == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(out, "%-13s %s%s\n", e.Kind, e.Job.ID, describe(e))
		return err
	})
	defer unsubscribe()

	jobs, err := q.AddJobs(opts.prefix, payloads)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d Jobs eingereiht\n", len(jobs))

	q.Start(a.cfg.Queue.Concurrency)

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	outcome := q.WaitForCompletion(waitCtx)

	if !outcome.Done {
		log.Warn("Nicht alle Jobs abgeschlossen, breche ab:", zap.Strings("remaining", outcome.Remaining))
		for _, id := range outcome.Remaining {
			if _, err := q.CancelJob(id); err != nil {
				log.Warn("Fehler beim Abbrechen:", zap.String("id", id), zap.Error(err))
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), batchStopTimeout)
	defer cancel()
	if err := q.Stop(stopCtx, true); err != nil {
		log.Warn("Queue nicht sauber beendet:", zap.Error(err))
	}

	stats := q.Statistics()
	mu.Lock()
	printSummary(out, stats)
	mu.Unlock()

	if !outcome.Done {
		return fmt.Errorf("%d Jobs nicht rechtzeitig abgeschlossen", len(outcome.Remaining))
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d von %d Jobs fehlgeschlagen", stats.Failed, stats.Total)
	}
	return nil
}

func describe(e event.Event) string {
	switch e.Kind {
	case event.JobFailed, event.JobRetry:
		return fmt.Sprintf(" (retry %d): %s", e.Job.RetryCount, e.Job.Error)
	case event.JobCompleted:
		if e.Job.StartedAt != nil && e.Job.CompletedAt != nil {
			return fmt.Sprintf(" in %s", e.Job.CompletedAt.Sub(*e.Job.StartedAt).Round(time.Millisecond))
		}
	}
	return ""
}

func printSummary(out io.Writer, s queue.Statistics) {
	fmt.Fprintf(out, "\nGesamt: %d  %s: %d  %s: %d  %s: %d\n",
		s.Total, job.StatusCompleted, s.Completed, job.StatusFailed, s.Failed, job.StatusCancelled, s.Cancelled)
}

// collectWorkflowFiles expands directories to their *.json files and arguments with
// glob characters to their matches. The result keeps argument order, sorted within
// each expansion, without duplicates.
func collectWorkflowFiles(args []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(paths ...string) {
		sort.Strings(paths)
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	}

	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[") {
			matches, err := filepath.Glob(arg)
			if err != nil {
				return nil, fmt.Errorf("ungültiges Muster %s: %w", arg, err)
			}
			add(matches...)
			continue
		}

		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			matches, err := filepath.Glob(filepath.Join(arg, "*.json"))
			if err != nil {
				return nil, err
			}
			add(matches...)
			continue
		}
		add(arg)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("keine Workflow-Dateien in %v", args)
	}
	return files, nil
}
