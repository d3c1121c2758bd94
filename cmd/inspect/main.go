// Command inspect is a read-only operator tool: it loads the live rebalance
// state document (if any) and the most recently archived jobs and prints
// them, so an operator can see what the controller is doing without editing
// the state document directly. It performs no writes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Fantasim/rebalancer/internal/models"
	"github.com/Fantasim/rebalancer/internal/state"
)

func main() {
	stateDir := flag.String("state-dir", envOr("REBAL_STATE_DIR", "./data"), "state directory (same as REBAL_STATE_DIR)")
	archiveN := flag.Int("archive", 5, "number of most recent archived jobs to print")
	flag.Parse()

	store, err := state.New(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: open state dir %q: %v\n", *stateDir, err)
		os.Exit(1)
	}

	job, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: load live job: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== live job (%s) ===\n", store.StatePath())
	if job == nil {
		fmt.Println("(none)")
	} else {
		printJob(job)
	}

	if *archiveN > 0 {
		archived, err := store.ListArchived(*archiveN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect: list archived jobs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n=== %d most recent archived job(s) ===\n", len(archived))
		for _, j := range archived {
			printJob(j)
			fmt.Println()
		}
	}
}

func printJob(j *models.RebalanceJob) {
	fmt.Printf("jobId:      %s\n", j.JobID)
	fmt.Printf("state:      %s\n", j.State)
	if j.SrcToken != "" {
		fmt.Printf("src -> dst: %s -> %s\n", j.SrcToken, j.DstToken)
	}
	if j.AmountOut != nil {
		fmt.Printf("amountOut:  %s\n", j.AmountOut.String())
	}
	if j.AmountIn != nil {
		fmt.Printf("amountIn:   %s\n", j.AmountIn.String())
	}
	if j.State == models.StateRetrying {
		fmt.Printf("retryState: %s (retryAt=%d)\n", j.RetryState, j.RetryAt)
	}
	fmt.Printf("createdAt:  %d\n", j.CreatedAt)
	fmt.Printf("updatedAt:  %d\n", j.UpdatedAt)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
