package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/featureloop/internal/config"
	"github.com/basket/featureloop/internal/persistence"
)

// gatewayURL turns bind_addr into a base URL for scheme ("http" or "ws").
func gatewayURL(addr, scheme string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		base := strings.TrimRight(addr, "/")
		if scheme == "ws" {
			base = "ws" + strings.TrimPrefix(base, "http")
		}
		return base
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return scheme + "://" + addr
}

type healthReport struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	Project           string `json:"project"`
	Version           string `json:"version"`
	ConfigFingerprint string `json:"config_fingerprint"`
	SlotsRunning      int    `json:"slots_running"`
}

type statusOutput struct {
	Health   healthReport       `json:"health"`
	Progress *persistence.Stats `json:"progress,omitempty"`
}

func getJSON(ctx context.Context, url, token string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("featureloop status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: featureloop status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	base := gatewayURL(cfg.BindAddr, "http")

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var out statusOutput
	code, err := getJSON(reqCtx, base+"/healthz", "", &out.Health)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	healthy := code == http.StatusOK
	if healthy {
		var stats persistence.Stats
		if code, err := getJSON(reqCtx, base+"/api/progress", cfg.AuthToken, &stats); err == nil && code == http.StatusOK {
			out.Progress = &stats
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "progress: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "progress: HTTP %d\n", code)
		}
	}

	if *jsonOutput || !interactive() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		printStatusTable(os.Stdout, out)
	}
	if !healthy {
		return 1
	}
	return 0
}

func printStatusTable(w io.Writer, out statusOutput) {
	state := "healthy"
	if !out.Health.Healthy {
		state = "UNHEALTHY"
	}
	fmt.Fprintf(w, "project   %s (%s)\n", out.Health.Project, state)
	fmt.Fprintf(w, "version   %s  config %s\n", out.Health.Version, out.Health.ConfigFingerprint)
	fmt.Fprintf(w, "slots     %d running\n", out.Health.SlotsRunning)
	if p := out.Progress; p != nil {
		fmt.Fprintf(w, "progress  %d/%d passing (%.1f%%)\n", p.Passing, p.Total, p.Percentage)
		fmt.Fprintf(w, "          %d in progress, %d pending, %d skipped, %d stuck\n", p.InProgress, p.Pending, p.Skipped, p.Stuck)
	}
}
