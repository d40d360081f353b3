// ABOUTME: The status and token subcommands
// ABOUTME: status queries a running agent's API; token mints a bearer JWT for it

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-agent/internal/auth"
	"github.com/2389/coven-agent/internal/bridge"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "dashboard", "token subject")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Status.JWTSecret == "" {
		return errors.New("status.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Status.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("addr", "", "status API address (default from config)")
	token := fs.String("token", os.Getenv("COVEN_AGENT_TOKEN"), "bearer token")
	asJSON := fs.Bool("json", false, "print the raw JSON snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base := *addr
	if base == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		base = cfg.Status.Addr
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/status", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if *asJSON {
		fmt.Println(string(body))
		return nil
	}

	var st bridge.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	printStatus(os.Stdout, st)
	return nil
}

func printStatus(w io.Writer, st bridge.Status) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	fmt.Fprintf(w, "Agent:     %s\n", st.AgentID)
	fmt.Fprint(w, "Broker:    ")
	if st.Connected {
		green.Fprint(w, "connected")
	} else {
		red.Fprint(w, "disconnected")
	}
	fmt.Fprintf(w, " %s\n", gray.Sprint(st.BrokerEndpoint))
	fmt.Fprintf(w, "Handlers:  %s\n", strings.Join(st.RegisteredHandlerTypes, ", "))
	if st.Webhook != nil {
		fmt.Fprint(w, "Webhook:   ")
		if st.Webhook.Healthy {
			green.Fprintln(w, "healthy")
		} else {
			red.Fprintf(w, "unhealthy (%d consecutive failures)\n", st.Webhook.ConsecutiveFailures)
		}
	}

	fmt.Fprintf(w, "\nAccounts (%d)\n", len(st.Accounts))
	for _, a := range st.Accounts {
		fmt.Fprintf(w, "  %-30s %-14s %s\n", a.AccountID, a.State, a.DisplayName)
	}

	fmt.Fprintf(w, "\nActive tasks (%d)\n", len(st.ActiveTasks))
	for _, t := range st.ActiveTasks {
		fmt.Fprintf(w, "  %-36s %-18s since %s\n", t.TaskID, t.Type, t.StartedAt.Format(time.RFC3339))
	}

	fmt.Fprintf(w, "\nRecent tasks (%d)\n", len(st.RecentHistory))
	for _, t := range st.RecentHistory {
		fmt.Fprintf(w, "  %-36s %-18s %s\n", t.TaskID, t.Type, t.Status)
	}
}
