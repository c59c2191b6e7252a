package main

import (
	"context"
	"fmt"
	"os"
)

// cancel works cross-process: queued jobs transition directly, running jobs
// rely on the daemon's workers observing the cooperative flag.
func runCancelCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: mindmesh cancel <job-id>")
		return 2
	}
	jobID := args[0]

	store, _, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get job: %v\n", err)
		return 1
	}
	if job == nil {
		fmt.Fprintf(os.Stderr, "job %s not found\n", jobID)
		return 1
	}
	if job.Status.IsTerminal() {
		fmt.Printf("job %s already %s\n", jobID, job.Status)
		return 0
	}

	if _, err := store.RequestCancel(ctx, jobID); err != nil {
		fmt.Fprintf(os.Stderr, "request cancel: %v\n", err)
		return 1
	}
	cancelled, err := store.CancelQueuedJob(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		return 1
	}
	if cancelled {
		fmt.Printf("job %s cancelled\n", jobID)
	} else {
		fmt.Printf("job %s cancellation requested\n", jobID)
	}
	return 0
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: mindmesh backup <dest-path>")
		return 2
	}

	store, _, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}
