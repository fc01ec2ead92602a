// Command recovery_crash checks that tasks claimed by a process that dies
// mid-run are returned to the queue on the next start.
//
//	recovery_crash -mode prepare -db /tmp/q.db
//	recovery_crash -mode claim-sleep -db /tmp/q.db &  # then kill -9
//	recovery_crash -mode recover -db /tmp/q.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/apiforge/internal/persistence"
)

const sessionID = "11111111-2222-3333-4444-555555555555"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		if _, err := store.CreateSession(ctx, persistence.SessionConfig{ID: sessionID}); err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			os.Exit(1)
		}
		task, err := store.Enqueue(ctx, persistence.NewTask{
			SessionID: sessionID,
			Name:      "endpoint",
			Payload:   `{"endpoint":{"method":"GET","path":"/crash"}}`,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		task, err := store.Dequeue(ctx, sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dequeue: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RecoverInProgress(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover in-progress tasks: %v\n", err)
			os.Exit(1)
		}
		tasks, err := store.ListTasks(ctx, persistence.TaskFilter{SessionID: sessionID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			os.Exit(1)
		}
		depth, err := store.QueueDepth(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue depth: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d QUEUE_DEPTH=%d\n", recovered, depth)
		pass := depth == len(tasks)
		for _, task := range tasks {
			fmt.Printf("TASK_STATUS id=%s status=%s\n", task.ID, task.Status)
			if task.Status == persistence.TaskStatusInProgress {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: tasks left in_progress or missing from the queue after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
