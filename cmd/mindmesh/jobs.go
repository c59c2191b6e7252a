package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/mindmesh/internal/persistence"
)

func runJobsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	tool := fs.String("tool", "", "filter by tool name")
	status := fs.String("status", "", "filter by status (QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED)")
	limit := fs.Int("limit", 20, "maximum rows")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	jobStatus := persistence.JobStatus(strings.ToUpper(strings.TrimSpace(*status)))
	switch jobStatus {
	case "", persistence.JobStatusQueued, persistence.JobStatusRunning,
		persistence.JobStatusCompleted, persistence.JobStatusFailed, persistence.JobStatusCancelled:
	default:
		fmt.Fprintf(os.Stderr, "unknown status %q\n", *status)
		return 2
	}

	store, _, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	jobs, err := store.ListJobs(ctx, *tool, jobStatus, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jobs); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return 0
	}
	fmt.Printf("%-36s  %-12s  %-9s  %-19s  %s\n", "ID", "TOOL", "STATUS", "CREATED", "DETAIL")
	for _, job := range jobs {
		detail := ""
		switch job.Status {
		case persistence.JobStatusFailed:
			detail = job.ErrorKind + ": " + firstLine(job.ErrorMessage)
		case persistence.JobStatusCompleted:
			if job.DurationMS != nil {
				detail = fmt.Sprintf("%dms", *job.DurationMS)
			}
		}
		fmt.Printf("%-36s  %-12s  %-9s  %-19s  %s\n",
			job.ID, job.ToolName, job.Status,
			job.CreatedAt.Format("2006-01-02 15:04:05"), detail)
	}
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
