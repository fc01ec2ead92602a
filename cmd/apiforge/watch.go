package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/scheduler"
	"github.com/basket/apiforge/internal/tui"
)

// snapshotStore is the part of the store the dashboard reads.
type snapshotStore interface {
	Stats(ctx context.Context, sessionFilter string) (persistence.QueueStats, error)
	StatusCounts(ctx context.Context, sessionFilter string) (map[persistence.TaskStatus]int, error)
}

// storeSnapshot reads queue state only; it backs `watch`, which has no
// scheduler of its own.
func storeSnapshot(store snapshotStore, sessionID string, started time.Time) tui.StatusProvider {
	return func(ctx context.Context) tui.Snapshot {
		snap := tui.Snapshot{DBOK: true, SessionID: sessionID, Uptime: time.Since(started)}
		stats, err := store.Stats(ctx, sessionID)
		if err != nil {
			snap.DBOK = false
			snap.LastError = err
			return snap
		}
		snap.Queue = stats
		counts, err := store.StatusCounts(ctx, sessionID)
		if err != nil {
			snap.LastError = err
			return snap
		}
		snap.Counts = counts
		return snap
	}
}

// liveSnapshot adds the running scheduler's status to the store view.
func liveSnapshot(store snapshotStore, sched *scheduler.Scheduler, sessionID string, started time.Time) tui.StatusProvider {
	base := storeSnapshot(store, sessionID, started)
	return func(ctx context.Context) tui.Snapshot {
		snap := base(ctx)
		st := sched.Status(ctx)
		snap.Status = &st
		return snap
	}
}

func watchCmd(g *globalOptions) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live dashboard of the task queue",
		Long: `Poll the task store and render queue depth and task counts once a second.
Useful alongside a run started in another terminal; scheduler details are
only shown by 'run --tui'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isTerminal(cmd.OutOrStdout()) {
				return usageErrorf("watch needs a terminal; use 'apiforge stats' for plain output")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(cfg.DBPath, nil)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			return tui.Run(cmd.Context(), storeSnapshot(store, session, time.Now()), nil)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "restrict the view to one session")
	return cmd
}
