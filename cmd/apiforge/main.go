package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/audit"
	"github.com/basket/apiforge/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// exitError carries a process exit code out of a command. Usage and config
// errors exit 2; everything else exits 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	home string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "apiforge",
		Short: "Adaptive task scheduler for API test generation workloads",
		Long: `apiforge queues one task per API endpoint, classifies the workload and
runs it through a worker pool that scales with queue pressure and host
resources.

Start a run with 'apiforge run -w endpoints.yaml'. Inspect the queue with
'stats', 'peek' and 'sessions', or attach to a running gateway with 'status'.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})
	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $APIFORGE_HOME or ~/.apiforge)")

	root.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "queue", Title: "Queue:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)
	for _, c := range []*cobra.Command{runCmd(opts), analyzeCmd(opts), serveCmd(opts), watchCmd(opts)} {
		c.GroupID = "run"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{statsCmd(opts), peekCmd(opts), tasksCmd(opts), cancelCmd(opts), sessionsCmd(opts)} {
		c.GroupID = "queue"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{statusCmd(opts), doctorCmd(opts), configCmd(opts)} {
		c.GroupID = "ops"
		root.AddCommand(c)
	}
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "apiforge: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// loadConfig loads config.yaml from --home or the default home. A config
// that fails validation is a usage error.
func (o *globalOptions) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if strings.TrimSpace(o.home) != "" {
		cfg, err = config.LoadFrom(o.home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, &exitError{code: 2, err: fmt.Errorf("config: %w", err)}
	}
	return cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func addrInUseHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("another process is using %s; stop it or change bind_addr in config.yaml", addr)
	}
	return fmt.Sprintf("port %s is already in use; stop the existing process or change bind_addr in config.yaml", port)
}

// readAuthToken returns the configured gateway token (config or
// APIFORGE_AUTH_TOKEN), falling back to <home>/auth.token.
func readAuthToken(cfg config.Config) string {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok
	}
	if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token")); err == nil {
		return strings.TrimSpace(string(b))
	}
	return ""
}

// loadAuthToken is readAuthToken that generates and persists a token on
// first use.
func loadAuthToken(cfg config.Config) (token string, generated bool, err error) {
	if tok := readAuthToken(cfg); tok != "" {
		return tok, false, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	token = uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", false, fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, true, nil
}

// openAudit starts the operator audit log for commands that change state.
func openAudit(cfg config.Config) func() {
	if err := audit.Init(cfg.HomeDir); err != nil {
		slog.Warn("audit log unavailable", "error", err)
		return func() {}
	}
	return func() { _ = audit.Close() }
}

// shutdownContext gives cleanup work a fresh deadline once the command's
// context is already cancelled.
func shutdownContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
