package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/bastille/internal/agent"
	"github.com/HyphaGroup/bastille/internal/audit"
	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/config"
	"github.com/HyphaGroup/bastille/internal/invite"
	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/maintenance"
	"github.com/HyphaGroup/bastille/internal/permission"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/proxy"
	"github.com/HyphaGroup/bastille/internal/server"
	"github.com/HyphaGroup/bastille/internal/session"
	"github.com/HyphaGroup/bastille/internal/storage"
	"github.com/HyphaGroup/bastille/internal/stream"
	"github.com/HyphaGroup/bastille/internal/workspace"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			cmdToken(os.Args[2:])
			return
		case "invite":
			cmdInvite(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("bastille %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`Bastille %s - Personal Agent Automation Server

Usage: bastille [command] [options]

Commands:
  (default)    Start the server
  token        Manage owner and device tokens
  invite       Issue a signed pairing invite
  help         Show this help

Options:
  --dir <path>     Bastille home directory (default: ~/.bastille)
  --strict         Reject config files with unknown keys
  --agent <bin>    Agent binary to spawn (default: claude)
  --version        Print version and exit
`, Version)
}

// resolveHomeDir picks the bastille directory: --dir flag, then
// BASTILLE_HOME, then ~/.bastille.
func resolveHomeDir(dirFlag string) string {
	if dirFlag != "" {
		return dirFlag
	}
	if env := os.Getenv("BASTILLE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bastille"
	}
	return filepath.Join(home, ".bastille")
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Bastille home directory (default: ~/.bastille)")
	strictFlag := flag.Bool("strict", false, "Reject config files with unknown keys")
	agentFlag := flag.String("agent", "claude", "Agent binary to spawn for sessions")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bastille %s\n", Version)
		os.Exit(0)
	}

	homeDir := resolveHomeDir(*dirFlag)

	cfg, err := config.Load(filepath.Join(homeDir, "config.json"), *strictFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Server.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("Bastille %s starting (home=%s)", Version, homeDir)
	logger.Info("Identity fingerprint: %s", cfg.Identity.Fingerprint)

	store, err := storage.NewFileStore(cfg.Server.DataDir)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}
	themes, err := storage.NewThemeStore(cfg.Server.DataDir)
	if err != nil {
		logger.Fatalf("Failed to initialize theme store: %v", err)
	}

	authStore, err := auth.NewStore(cfg.Server.DataDir)
	if err != nil {
		logger.Fatalf("Failed to initialize auth store: %v", err)
	}
	defer func() { _ = authStore.Close() }()

	auditLog, err := audit.NewLog(cfg.Server.DataDir, "")
	if err != nil {
		logger.Fatalf("Failed to initialize audit log: %v", err)
	}
	defer func() { _ = auditLog.Close() }()

	rulesPath := filepath.Join(cfg.Server.DataDir, "rules.json")
	rules := policy.NewRuleStore(func(all []*policy.Rule) {
		if err := persistRules(rulesPath, all); err != nil {
			logger.Error("Failed to persist policy rules: %v", err)
		}
	})
	if loaded, err := loadRules(rulesPath); err != nil {
		logger.Error("Failed to load policy rules: %v (starting empty)", err)
	} else if len(loaded) > 0 {
		rules.Load(loaded)
		logger.Info("Loaded %d policy rule(s)", len(loaded))
	}

	engine := policy.NewEngine(rules)
	profile := policy.NewProfileStore(engine, policy.SecurityProfile(cfg.Security.Profile), func(p policy.SecurityProfile) {
		cfg.Security.Profile = string(p)
		if err := cfg.Save(); err != nil {
			logger.Error("Failed to persist security profile: %v", err)
		}
	})

	coord := workspace.NewCoordinator(
		cfg.Limits.MaxSessionsPerWorkspace,
		cfg.Limits.MaxSessionsGlobal,
		time.Duration(cfg.Limits.IdleTimeoutMinutes)*time.Minute,
		func(workspaceID string) {
			logger.Info("Workspace %s idle, container stop requested", workspaceID)
		},
	)
	defer coord.Close()

	prox, err := proxy.New(proxy.Config{
		ListenAddr:      cfg.Server.ProxyAddr,
		CredentialsPath: cfg.Server.Credentials,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize credential proxy: %v", err)
	}

	gate := permission.NewGate(engine, rules, auditLog, nil)
	runtime := agent.NewProcessRuntime(*agentFlag)
	manager := session.NewManager(runtime, coord, gate, prox, store, nil)
	gate.SetBroadcaster(manager)

	if persisted, err := store.LoadSessions(); err != nil {
		logger.Error("Failed to load persisted sessions: %v", err)
	} else if n := manager.RecoverStaleSessions(persisted, maintenance.StaleThreshold); n > 0 {
		logger.Info("Recovered %d stale session(s) from previous run", n)
	}

	limiter := auth.DefaultPairingLimiter()
	mux := stream.NewMux(manager, gate, auth.StreamValidator{Store: authStore})

	sweeper := maintenance.New(rules, manager, limiter)
	if err := sweeper.Start(); err != nil {
		logger.Error("Failed to start maintenance sweeper: %v", err)
	}
	defer sweeper.Stop()

	srv := server.New(server.Deps{
		Config:    cfg,
		Store:     store,
		Themes:    themes,
		AuthStore: authStore,
		Manager:   manager,
		Coord:     coord,
		Gate:      gate,
		Rules:     rules,
		Profile:   profile,
		AuditLog:  auditLog,
		Mux:       mux,
		Limiter:   limiter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(prox.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		manager.StopAll("shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown: %v", err)
		}
		if err := prox.Shutdown(shutdownCtx); err != nil {
			logger.Error("Proxy shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Info("Shutdown complete")
}

func loadRules(path string) ([]*policy.Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*policy.Rule
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func persistRules(path string, all []*policy.Rule) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	homeDir := resolveHomeDir("")
	store, err := auth.NewStore(filepath.Join(homeDir, "data"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	switch args[0] {
	case "rotate":
		tokenRotate(store)
	case "show":
		tokenShow(store)
	case "list":
		tokenList(store)
	case "revoke":
		tokenRevoke(store, args[1:])
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", args[0])
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: bastille token <command> [options]

Commands:
  rotate    Issue a fresh owner token (earlier tokens stay valid until revoked)
  show      Print the current owner token
  list      List all tokens
  revoke    Revoke a token by id
  help      Show this help

Examples:
  bastille token rotate
  bastille token revoke sk_xxxx...`)
}

func tokenRotate(store *auth.Store) {
	token, err := store.RotateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rotating token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("New owner token issued. Earlier owner tokens remain valid until revoked.")
	fmt.Println()
	fmt.Printf("Token: %s\n", token.ID)
}

func tokenShow(store *auth.Store) {
	token, err := store.OwnerToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "No owner token found. Run 'bastille token rotate' first.")
		os.Exit(1)
	}
	fmt.Println(token.ID)
}

func tokenList(store *auth.Store) {
	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tNAME\tCREATED\tLAST USED")
	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Kind, t.Name, t.CreatedAt.Format(time.RFC3339), lastUsed)
	}
	_ = w.Flush()
}

func tokenRevoke(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: bastille token revoke <token-id>")
		os.Exit(1)
	}
	if err := store.RevokeToken(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Token revoked.")
}

// cmdInvite mints a single-use pairing token and wraps it in a signed
// invite envelope the mobile client can scan.
func cmdInvite(args []string) {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	hostFlag := fs.String("host", "", "Public hostname or IP the client should dial (required)")
	dirFlag := fs.String("dir", "", "Bastille home directory (default: ~/.bastille)")
	_ = fs.Parse(args)

	if *hostFlag == "" {
		fmt.Fprintln(os.Stderr, "Error: --host is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	homeDir := resolveHomeDir(*dirFlag)
	cfg, err := config.Load(filepath.Join(homeDir, "config.json"), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	store, err := auth.NewStore(cfg.Server.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ttl := time.Duration(cfg.Invite.TTLSeconds) * time.Second
	pairing, err := store.CreatePairingToken(ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating pairing token: %v\n", err)
		os.Exit(1)
	}

	priv, err := cfg.IdentityKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading identity key: %v\n", err)
		os.Exit(1)
	}

	env, err := invite.Create(priv, &invite.Payload{
		Host:            *hostFlag,
		Port:            addrPort(cfg.Server.Address),
		Token:           pairing.ID,
		Name:            cfg.Server.Name,
		Fingerprint:     cfg.Identity.Fingerprint,
		SecurityProfile: cfg.Security.Profile,
	}, ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing invite: %v\n", err)
		os.Exit(1)
	}

	encoded, err := invite.Encode(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding invite: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Invite (expires in %s):\n\n%s\n", ttl, encoded)
}

// addrPort extracts the numeric port from a listen address like
// ":8443" or "0.0.0.0:8443".
func addrPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
