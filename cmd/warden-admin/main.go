// ABOUTME: Admin CLI for the warden gateway
// ABOUTME: Talks to the HTTP API with a Bearer session token from WARDEN_TOKEN

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                         _                          _           _
 __      ____ _ _ __ __| | ___ _ __         __ _  __| |_ __ ___ (_)_ __
 \ \ /\ / / _' | '__/ _' |/ _ \ '_ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
  \ V  V / (_| | | | (_| |  __/ | | |_____| (_| | (_| | | | | | | | | | |
   \_/\_/ \__,_|_|  \__,_|\___|_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("WARDEN_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("WARDEN_TOKEN")

	c := &client{baseURL: strings.TrimRight(baseURL, "/"), token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(c)
	case "services":
		err = cmdServices(c)
	case "connect":
		err = cmdConnect(c, args)
	case "disconnect":
		err = cmdDisconnect(c, args)
	case "refresh":
		err = cmdRefresh(c, args)
	case "memory":
		err = cmdMemory(c, args)
	case "sessions":
		err = cmdSessions(c, args)
	case "audit":
		err = cmdAudit(c, args)
	case "send":
		err = cmdSend(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: warden-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                         Check gateway health")
	fmt.Println("  services                       List your connected services")
	fmt.Println("  connect <service>              Start connecting a service account")
	fmt.Println("  disconnect <service>           Remove a connected service")
	fmt.Println("  refresh <service>              Force a credential refresh")
	fmt.Println("  memory [--limit N]             Show your recent conversation memory")
	fmt.Println("  sessions                       List your active sessions")
	fmt.Println("  sessions revoke                Revoke all your sessions")
	fmt.Println("  audit [--principal P] [--action A] [--limit N]")
	fmt.Println("                                 Show the audit log (admin only)")
	fmt.Println("  send <transport> <sender> <conversation> <text...>")
	fmt.Println("                                 Inject an event (admin only)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  WARDEN_URL     Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  WARDEN_TOKEN   Session token (mint one with: warden-gateway session --principal you)")
	fmt.Println()
}

type client struct {
	baseURL string
	token   string
}

// do performs a request and decodes the JSON body into out (if non-nil).
// Non-2xx responses become errors carrying the server's error message.
func (c *client) do(method, path string, body, out any) error {
	if c.token == "" {
		return fmt.Errorf("WARDEN_TOKEN environment variable is required")
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("%s (status %d)", errBody.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d from %s", resp.StatusCode, path)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(c *client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		color.Red("Gateway: UNREACHABLE (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	green := color.New(color.FgGreen)
	if resp.StatusCode == http.StatusOK {
		green.Print("Gateway: ")
		fmt.Printf("healthy at %s\n", c.baseURL)
	} else {
		color.Red("Gateway: unhealthy (status %d)\n", resp.StatusCode)
	}
	return nil
}

func cmdServices(c *client) error {
	var resp struct {
		Services []struct {
			Service    string    `json:"service"`
			ExpiresAt  time.Time `json:"expires_at"`
			HasRefresh bool      `json:"has_refresh"`
			Expired    bool      `json:"expired"`
		} `json:"services"`
	}
	if err := c.do(http.MethodGet, "/v1/services", nil, &resp); err != nil {
		return err
	}

	if len(resp.Services) == 0 {
		fmt.Println("No services connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tEXPIRES\tREFRESH")
	for _, s := range resp.Services {
		state := "ok"
		if s.Expired {
			state = "expired"
		}
		refresh := "no"
		if s.HasRefresh {
			refresh = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Service, state, s.ExpiresAt.Local().Format(time.RFC3339), refresh)
	}
	return w.Flush()
}

func cmdConnect(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: warden-admin connect <service>")
	}

	var resp struct {
		AuthURL string `json:"auth_url"`
	}
	path := "/v1/services/" + url.PathEscape(strings.ToLower(args[0])) + "/connect"
	if err := c.do(http.MethodPost, path, nil, &resp); err != nil {
		return err
	}

	fmt.Println("Open this link to finish connecting:")
	color.New(color.FgCyan).Println("  " + resp.AuthURL)
	fmt.Println("The link expires after a few minutes and works once.")
	return nil
}

func cmdDisconnect(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: warden-admin disconnect <service>")
	}

	var resp struct {
		Removed bool `json:"removed"`
	}
	path := "/v1/services/" + url.PathEscape(strings.ToLower(args[0]))
	if err := c.do(http.MethodDelete, path, nil, &resp); err != nil {
		return err
	}

	if resp.Removed {
		color.Green("Disconnected %s.\n", args[0])
	} else {
		fmt.Printf("%s was not connected.\n", args[0])
	}
	return nil
}

func cmdRefresh(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: warden-admin refresh <service>")
	}

	path := "/v1/services/" + url.PathEscape(strings.ToLower(args[0])) + "/refresh"
	if err := c.do(http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	color.Green("Refreshed %s.\n", args[0])
	return nil
}

func cmdMemory(c *client, args []string) error {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			q.Set("limit", args[i+1])
			i++
		}
	}
	path := "/v1/memory"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Entries []struct {
			Direction string    `json:"direction"`
			Content   string    `json:"content"`
			Transport string    `json:"transport"`
			Kind      string    `json:"kind"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"entries"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Entries) == 0 {
		fmt.Println("No memory entries.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range resp.Entries {
		gray.Printf("%s %s/%s ", e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Transport, e.Kind)
		if e.Direction == "outbound" {
			color.New(color.FgCyan).Print("< ")
		} else {
			color.New(color.FgGreen).Print("> ")
		}
		fmt.Println(e.Content)
	}
	return nil
}

func cmdSessions(c *client, args []string) error {
	if len(args) > 0 && args[0] == "revoke" {
		var resp struct {
			Revoked int64 `json:"revoked"`
		}
		if err := c.do(http.MethodDelete, "/v1/sessions", nil, &resp); err != nil {
			return err
		}
		color.Green("Revoked %d session(s). Your current token is now dead too.\n", resp.Revoked)
		return nil
	}

	var resp struct {
		Sessions []struct {
			CreatedAt time.Time `json:"created_at"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"sessions"`
	}
	if err := c.do(http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return err
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tEXPIRES")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%s\n", s.CreatedAt.Local().Format(time.RFC3339), s.ExpiresAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdAudit(c *client, args []string) error {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--principal" && i+1 < len(args):
			q.Set("principal", args[i+1])
			i++
		case args[i] == "--action" && i+1 < len(args):
			q.Set("action", args[i+1])
			i++
		case args[i] == "--limit" && i+1 < len(args):
			q.Set("limit", args[i+1])
			i++
		}
	}
	path := "/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Entries []struct {
			PrincipalID string         `json:"principal_id"`
			Action      string         `json:"action"`
			Target      string         `json:"target"`
			Detail      map[string]any `json:"detail"`
			CreatedAt   time.Time      `json:"created_at"`
		} `json:"entries"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPRINCIPAL\tACTION\tTARGET\tDETAIL")
	for _, e := range resp.Entries {
		detail := ""
		if len(e.Detail) > 0 {
			parts := make([]string, 0, len(e.Detail))
			for k, v := range e.Detail {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			detail = strings.Join(parts, " ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.PrincipalID, e.Action, e.Target, detail)
	}
	return w.Flush()
}

func cmdSend(c *client, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: warden-admin send <transport> <sender> <conversation> <text...>")
	}

	payload := map[string]string{
		"transport":       args[0],
		"sender_id":       args[1],
		"conversation_id": args[2],
		"text":            strings.Join(args[3:], " "),
	}
	if err := c.do(http.MethodPost, "/v1/events", payload, nil); err != nil {
		return err
	}
	color.Green("Event accepted.\n")
	return nil
}
