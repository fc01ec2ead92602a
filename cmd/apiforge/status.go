package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd(g *globalOptions) *cobra.Command {
	var (
		addr    string
		control string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway (/healthz, then /api/status)",
		Long: `Probe the gateway at bind_addr. /healthz needs no token; when a token is
configured (auth_token, APIFORGE_AUTH_TOKEN or <home>/auth.token) the live
scheduler status is printed as well. --control pause|resume drives the
scheduler of a run started with --serve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.BindAddr
			}
			switch control {
			case "", "pause", "resume":
			default:
				return usageErrorf("--control must be pause or resume")
			}
			base := gatewayURL(addr)
			out := cmd.OutOrStdout()
			token := readAuthToken(cfg)

			code, err := fetch(cmd.Context(), http.MethodGet, base+"/healthz", "", out)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("gateway unhealthy: HTTP %d", code)
			}
			if token == "" {
				if control != "" {
					return usageErrorf("--control needs an auth token")
				}
				return nil
			}
			if control != "" {
				code, err := fetch(cmd.Context(), http.MethodPost, base+"/api/scheduler/"+control, token, out)
				if err != nil {
					return err
				}
				if code != http.StatusOK {
					return fmt.Errorf("%s: HTTP %d", control, code)
				}
				return nil
			}
			code, err = fetch(cmd.Context(), http.MethodGet, base+"/api/status", token, out)
			if err != nil {
				return err
			}
			switch code {
			case http.StatusOK, http.StatusServiceUnavailable:
				// 503 only means no run is attached to this gateway.
				return nil
			}
			return fmt.Errorf("status: HTTP %d", code)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default bind_addr from config)")
	cmd.Flags().StringVar(&control, "control", "", "pause or resume the running scheduler")
	return cmd
}

func gatewayURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	// Normalize IPv6 host:port if needed.
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// fetch performs one request and copies the body to out.
func fetch(ctx context.Context, method, url, token string, out io.Writer) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	return resp.StatusCode, nil
}
