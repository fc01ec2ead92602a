package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/apiforge/internal/audit"
	"github.com/basket/apiforge/internal/config"
	"github.com/basket/apiforge/internal/shared"
)

func configCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit config.yaml",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				cfg.AuthToken = redactToken(cfg.AuthToken)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# %s (%s)\n", config.ConfigPath(cfg.HomeDir), cfg.Fingerprint())
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set one dotted key, for example scheduler.max_workers 8",
			Long: `Set one dotted key in config.yaml. The value is parsed as a YAML scalar, so
numbers and booleans keep their type. The edit is rolled back when the
resulting config does not validate. A running 'apiforge run' picks up
threshold changes without a restart.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				defer openAudit(cfg)()
				err = setConfigValue(cfg.HomeDir, args[0], args[1])
				outcome := audit.OutcomeOK
				if err != nil {
					outcome = audit.OutcomeRejected
				}
				audit.Record("config.set", "cli", args[0], outcome, shared.RedactEnvValue(args[0], args[1]))
				return err
			},
		},
	)
	return cmd
}

func redactToken(tok string) string {
	if tok == "" {
		return ""
	}
	return "[REDACTED]"
}

// setConfigValue writes key=value and reloads; an invalid result restores
// the previous file.
func setConfigValue(homeDir, key, rawValue string) error {
	var value any
	if err := yaml.Unmarshal([]byte(rawValue), &value); err != nil {
		return usageErrorf("value %q: %v", rawValue, err)
	}
	path := config.ConfigPath(homeDir)
	prev, readErr := os.ReadFile(path)
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		return fmt.Errorf("read config.yaml: %w", readErr)
	}

	if err := config.SetValue(homeDir, key, value); err != nil {
		return err
	}
	if _, err := config.LoadFrom(homeDir); err != nil {
		if readErr == nil {
			_ = os.WriteFile(path, prev, 0o644)
		} else {
			_ = os.Remove(path)
		}
		return &exitError{code: 2, err: fmt.Errorf("%s rejected: %w", key, err)}
	}
	return nil
}
