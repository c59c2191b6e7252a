package main

import (
	"context"
	"fmt"
	"os"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: mindmesh status")
		return 2
	}

	store, cfg, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	queued, running, err := store.JobCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "job counts: %v\n", err)
		return 1
	}
	exchanges, err := store.ExchangeCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exchange count: %v\n", err)
		return 1
	}

	fmt.Printf("home:       %s\n", cfg.HomeDir)
	fmt.Printf("db:         %s\n", cfg.DBPath)
	fmt.Printf("workers:    %d\n", cfg.WorkerCount)
	fmt.Printf("queued:     %d\n", queued)
	fmt.Printf("running:    %d\n", running)
	fmt.Printf("exchanges:  %d\n", exchanges)

	for _, tool := range cfg.ToolNames() {
		session, err := store.GetToolSession(ctx, tool)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tool session %s: %v\n", tool, err)
			return 1
		}
		if session == nil {
			fmt.Printf("%-12s no exchanges yet\n", tool)
			continue
		}
		fmt.Printf("%-12s %d exchanges, last %s\n",
			tool, session.ExchangeCount, session.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	return 0
}
