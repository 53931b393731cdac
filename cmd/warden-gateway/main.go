// ABOUTME: Entry point for the warden-gateway server
// ABOUTME: Wires the store, vault, policy engine, flows, and HTTP surface together

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/warden/internal/assistant"
	"github.com/2389/warden/internal/config"
	"github.com/2389/warden/internal/gateway"
	"github.com/2389/warden/internal/httpapi"
	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/memory"
	"github.com/2389/warden/internal/oauthflow"
	"github.com/2389/warden/internal/policy"
	"github.com/2389/warden/internal/session"
	"github.com/2389/warden/internal/store"
	"github.com/2389/warden/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _
 __      ____ _ _ __ __| | ___ _ __
 \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
  \ V  V / (_| | | | (_| |  __/ | | |
   \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: WARDEN_CONFIG env var > XDG_CONFIG_HOME/warden/gateway.yaml > ~/.config/warden/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warden", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warden-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the gateway server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  session --principal NAME   Mint a session token for a principal")
		fmt.Println("  health                     Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "session":
		err = runSession(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Services: %s\n", strings.Join(serviceNames(cfg), ", "))
	fmt.Println()

	logger.Info("starting warden-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	box, err := vault.NewSecretBoxFromBase64(cfg.Vault.EncryptionKey)
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}

	provider := oauthflow.NewProvider(cfg.OAuth)
	v := vault.New(st, box, vault.Options{
		RefreshGrace:   cfg.Vault.RefreshGrace,
		RefreshTimeout: cfg.Vault.RefreshTimeout,
		Refresher:      provider,
		Audit:          st,
	})
	coordinator := oauthflow.New(st, provider, v, oauthflow.Options{
		StateTTL:      cfg.Flows.StateTTL,
		SweepInterval: cfg.Flows.SweepInterval,
		Audit:         st,
	})
	engine := policy.NewEngine(cfg.Policy, st)
	mem := memory.NewService(st, cfg.Memory.Capacity)
	registry := session.NewRegistry(st, []byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL, st)
	asst := assistant.New(coordinator, v, mem)

	gw := gateway.New(engine, mem, asst.Handle, &logResponder{logger: logger}, cfg.Gateway.Workers, cfg.Gateway.QueueSize)

	api := httpapi.New(coordinator, v, registry, mem, engine, st, gw)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		gw.Run(ctx)
		return nil
	})

	g.Go(func() error {
		coordinator.RunSweeper(ctx)
		return nil
	})

	g.Go(func() error {
		runSessionSweeper(ctx, registry, logger)
		return nil
	})

	g.Go(func() error {
		// SIGHUP reloads the policy allow-lists without a restart.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				fresh, err := config.Load(configPath)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				engine.Reload(fresh.Policy)
			}
		}
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// logResponder records outbound replies in the log. Transport bridges
// pull replies from conversation memory over the HTTP API.
type logResponder struct {
	logger *slog.Logger
}

func (r *logResponder) Respond(_ context.Context, ev gateway.Event, text string) error {
	r.logger.Info("reply ready",
		"transport", ev.Transport,
		"conversation", ev.ConversationID,
		"chars", len(text),
	)
	return nil
}

func runSessionSweeper(ctx context.Context, registry *session.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := registry.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("session sweep failed", "error", err)
				}
				continue
			}
			if deleted > 0 {
				logger.Debug("swept expired sessions", "deleted", deleted)
			}
		}
	}
}

func serviceNames(cfg *config.Config) []string {
	if len(cfg.OAuth) == 0 {
		return []string{"(none)"}
	}
	names := make([]string, 0, len(cfg.OAuth))
	for name := range cfg.OAuth {
		names = append(names, name)
	}
	return names
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("Database path [./warden.db]: ")
	dbPath, _ := reader.ReadString('\n')
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		dbPath = "./warden.db"
	}

	fmt.Printf("HTTP listen address [:8080]: ")
	httpAddr, _ := reader.ReadString('\n')
	httpAddr = strings.TrimSpace(httpAddr)
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	fmt.Printf("Admin user id (raw transport id, optional): ")
	adminUser, _ := reader.ReadString('\n')
	adminUser = strings.TrimSpace(adminUser)

	sessionSecret, err := randomSecret(32)
	if err != nil {
		return err
	}
	vaultKey, err := randomSecret(32)
	if err != nil {
		return err
	}

	var adminBlock string
	if adminUser != "" {
		adminBlock = fmt.Sprintf("policy:\n  admin_users:\n    - %q\n", adminUser)
	} else {
		adminBlock = "policy:\n  dev_mode: true\n"
	}

	content := fmt.Sprintf(`server:
  http_addr: %q

database:
  path: %q

auth:
  session_secret: %q

vault:
  encryption_key: %q

%s
logging:
  level: "info"
  format: "text"
`, httpAddr, dbPath, sessionSecret, vaultKey, adminBlock)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Wrote %s\n", configPath)
	fmt.Println("Add oauth services to the config before connecting accounts.")
	return nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// runSession mints a session token directly against the store. Used to
// bootstrap transport bridges and the admin CLI.
func runSession(ctx context.Context, args []string) error {
	var principal string
	for i := 0; i < len(args); i++ {
		if args[i] == "--principal" && i+1 < len(args) {
			principal = args[i+1]
			i++
		}
	}
	if principal == "" {
		return fmt.Errorf("usage: warden-gateway session --principal NAME")
	}
	if !strings.HasPrefix(principal, "u_") {
		principal = identity.PrincipalID(principal)
		if principal == "" {
			return fmt.Errorf("invalid principal name")
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	registry := session.NewRegistry(st, []byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL, st)
	token, err := registry.Create(ctx, principal)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
