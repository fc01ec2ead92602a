package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/audit"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/workload"
)

// withStore opens the configured store for one query command.
func withStore(ctx context.Context, g *globalOptions, fn func(*persistence.Store) error) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	defer openAudit(cfg)()
	return fn(store)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...)
	return t.String() + "\n"
}

// endpointLabel shows "METHOD /path" for endpoint tasks and the task name
// otherwise.
func endpointLabel(t persistence.Task) string {
	if t.Name == workload.TaskName {
		if p, err := workload.DecodePayload(t.Payload); err == nil {
			return p.Endpoint.Key()
		}
	}
	return t.Name
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statsCmd(g *globalOptions) *cobra.Command {
	var (
		session string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the queue and task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), g, func(store *persistence.Store) error {
				ctx := cmd.Context()
				stats, err := store.Stats(ctx, session)
				if err != nil {
					return err
				}
				counts, err := store.StatusCounts(ctx, session)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, map[string]any{"queue": stats, "tasks": counts})
				}
				fmt.Fprint(out, formatStats(stats, counts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "restrict to one session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatStats(stats persistence.QueueStats, counts map[persistence.TaskStatus]int) string {
	var rows [][]string
	prios := make([]persistence.Priority, 0, len(stats.ByPriority))
	for p := range stats.ByPriority {
		prios = append(prios, p)
	}
	sort.Slice(prios, func(i, j int) bool { return prios[i] < prios[j] })
	for _, p := range prios {
		tier := stats.ByPriority[p]
		oldest := "-"
		if !tier.Oldest.IsZero() {
			oldest = time.Since(tier.Oldest).Truncate(time.Second).String()
		}
		rows = append(rows, []string{p.String(), strconv.Itoa(tier.Count), oldest})
	}
	s := fmt.Sprintf("queued %d (ready %d, delayed %d), average wait %s\n",
		stats.Total, stats.Ready, stats.Delayed, stats.AverageWait.Truncate(time.Millisecond))
	if len(rows) > 0 {
		s += renderTable([]string{"PRIORITY", "QUEUED", "OLDEST"}, rows)
	}

	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	var countRows [][]string
	for _, st := range statuses {
		countRows = append(countRows, []string{st, strconv.Itoa(counts[persistence.TaskStatus(st)])})
	}
	if len(countRows) > 0 {
		s += renderTable([]string{"STATUS", "TASKS"}, countRows)
	}
	return s
}

func peekCmd(g *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "List the next queued tasks in dequeue order without claiming them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return usageErrorf("--limit must be positive")
			}
			return withStore(cmd.Context(), g, func(store *persistence.Store) error {
				tasks, err := store.Peek(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), tasks, asJSON)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of tasks to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func tasksCmd(g *globalOptions) *cobra.Command {
	var (
		session string
		status  string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return usageErrorf("--limit must be positive")
			}
			if status != "" && !validStatus(persistence.TaskStatus(status)) {
				return usageErrorf("unknown status %q", status)
			}
			return withStore(cmd.Context(), g, func(store *persistence.Store) error {
				tasks, err := store.ListTasks(cmd.Context(), persistence.TaskFilter{
					SessionID: session,
					Status:    persistence.TaskStatus(status),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), tasks, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "restrict to one session")
	cmd.Flags().StringVar(&status, "status", "", "restrict to one status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of tasks to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func validStatus(s persistence.TaskStatus) bool {
	switch s {
	case persistence.TaskStatusPending, persistence.TaskStatusInProgress, persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed, persistence.TaskStatusRetrying, persistence.TaskStatusCancelled:
		return true
	}
	return false
}

func printTasks(w io.Writer, tasks []persistence.Task, asJSON bool) error {
	if asJSON {
		if tasks == nil {
			tasks = []persistence.Task{}
		}
		return writeJSON(w, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return nil
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			shortID(t.ID),
			shortID(t.SessionID),
			t.Priority.String(),
			string(t.Status),
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			endpointLabel(t),
		})
	}
	fmt.Fprint(w, renderTable([]string{"ID", "SESSION", "PRIORITY", "STATUS", "RETRIES", "ENDPOINT"}, rows))
	return nil
}

func cancelCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>...",
		Short: "Cancel pending or retrying tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), g, func(store *persistence.Store) error {
				var failed int
				for _, id := range args {
					err := store.Cancel(cmd.Context(), id)
					if err != nil {
						audit.Record("task.cancel", "cli", id, audit.OutcomeRejected, err.Error())
					} else {
						audit.Record("task.cancel", "cli", id, audit.OutcomeOK, "")
					}
					switch {
					case err == nil:
						fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
					case errors.Is(err, persistence.ErrInvalidTransition):
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: task is running or already finished\n", id)
					default:
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d tasks not cancelled", failed, len(args))
				}
				return nil
			})
		},
	}
}

func sessionsCmd(g *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List sessions with their progress, or show one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), g, func(store *persistence.Store) error {
				var sessions []persistence.Session
				if len(args) == 1 {
					sess, err := store.GetSession(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					sessions = []persistence.Session{*sess}
				} else {
					list, err := store.ListSessions(cmd.Context(), limit)
					if err != nil {
						return err
					}
					sessions = list
				}
				return printSessions(cmd.OutOrStdout(), sessions, asJSON)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSessions(w io.Writer, sessions []persistence.Session, asJSON bool) error {
	if asJSON {
		if sessions == nil {
			sessions = []persistence.Session{}
		}
		return writeJSON(w, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		p := s.Progress
		rows = append(rows, []string{
			s.ID,
			string(s.Status),
			fmt.Sprintf("%d/%d", p.Completed, p.Total),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.Pending + p.Processing),
			s.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	fmt.Fprint(w, renderTable([]string{"SESSION", "STATUS", "DONE", "FAILED", "OPEN", "UPDATED"}, rows))
	return nil
}
