package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scheduler"
	"github.com/basket/apiforge/internal/workload"
)

// analysis is the dry-run result printed by `analyze`.
type analysis struct {
	Workload string                      `json:"workload"`
	Pattern  pattern.APIPattern          `json:"pattern"`
	Strategy scheduler.ExecutionStrategy `json:"strategy"`
	Phases   []progressive.Phase         `json:"phases,omitempty"`
}

func analyzeCmd(g *globalOptions) *cobra.Command {
	var (
		mode   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <workload>",
		Short: "Classify a workload and show the strategy a run would use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			opts := runOptions{mode: mode}
			if err := opts.apply(&cfg); err != nil {
				return err
			}
			w, err := workload.Load(args[0])
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			a, err := analyzeWorkload(w, progressive.Mode(cfg.Scheduler.Mode), schedulerOverrides(cfg))
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			a.Workload = args[0]
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), a)
			}
			printAnalysis(cmd.OutOrStdout(), a)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode: auto, fast or smart (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func analyzeWorkload(w workload.Workload, mode progressive.Mode, o scheduler.Overrides) (analysis, error) {
	p := pattern.Analyze(w.Endpoints)
	st, err := scheduler.BuildStrategy(p, mode, o)
	if err != nil {
		return analysis{}, err
	}
	a := analysis{Pattern: p, Strategy: st}
	if st.Progressive {
		a.Phases = progressive.BuildPhases(p, st.Mode)
	}
	return a, nil
}

func printAnalysis(w io.Writer, a analysis) {
	p, st := a.Pattern, a.Strategy
	fmt.Fprintf(w, "pattern     %s (%.0f%% confidence)\n", p.Name, p.Confidence*100)
	fmt.Fprintf(w, "complexity  %s (score %.2f, %d endpoints, ~%.0f min)\n",
		p.Complexity.Level, p.Complexity.WeightedScore, p.Complexity.EndpointCount, p.Complexity.EstimatedProcessingMinutes)
	if len(p.Features) > 0 {
		fmt.Fprintf(w, "features    %s\n", strings.Join(p.Features, ", "))
	}
	if len(p.RiskFactors) > 0 {
		fmt.Fprintf(w, "risks       %s\n", strings.Join(p.RiskFactors, ", "))
	}
	fmt.Fprintf(w, "mode        %s\n", st.Mode)
	fmt.Fprintf(w, "workers     start %d, range %d-%d\n", st.InitialWorkers, st.MinWorkers, st.MaxWorkers)
	fmt.Fprintf(w, "thresholds  up %.2f, down %.2f, every %s, cooldown %s\n",
		st.ScaleUpThreshold, st.ScaleDownThreshold, st.MonitoringInterval, st.Cooldown)
	if len(a.Phases) == 0 {
		return
	}
	rows := make([][]string, 0, len(a.Phases))
	for _, ph := range a.Phases {
		window := "-"
		if ph.MinDuration > 0 || ph.MaxDuration > 0 {
			window = ph.MinDuration.Truncate(time.Second).String()
			if ph.MaxDuration > 0 {
				window += " to " + ph.MaxDuration.Truncate(time.Second).String()
			}
		}
		conds := make([]string, 0, len(ph.ExitConditions))
		for _, c := range ph.ExitConditions {
			conds = append(conds, string(c))
		}
		rows = append(rows, []string{ph.Name, strconv.Itoa(ph.TargetWorkers), window, strings.Join(conds, ", ")})
	}
	fmt.Fprint(w, renderTable([]string{"PHASE", "WORKERS", "DURATION", "EXIT"}, rows))
}
