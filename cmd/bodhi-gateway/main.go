// ABOUTME: Entry point for the bodhi-gateway server
// ABOUTME: serve, init, grant-role and health subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/bodhi-gateway/internal/config"
	"github.com/2389/bodhi-gateway/internal/gateway"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _               _ _     _
 | |__   ___   __| | |__ (_)      __ _  __ _| |_ _____      ____ _ _   _
 | '_ \ / _ \ / _' | '_ \| |____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | |_) | (_) | (_| | | | | |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_.__/ \___/ \__,_|_| |_|_|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                 |___/                             |___/
`

func usage() {
	fmt.Println("Usage: bodhi-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                    Start the gateway server")
	fmt.Println("  init                                     Create a new config file interactively")
	fmt.Println("  grant-role --user ID --role ROLE         Create a user or change their role")
	fmt.Println("  health                                   Check gateway health")
	fmt.Println("  version                                  Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary is optional.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "grant-role":
		err = runGrantRole(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Issuer:    %s\n", cfg.IdP.Issuer)
	green.Print("    ▶ ")
	fmt.Printf("Cache:     %s\n", cfg.Cache.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting bodhi-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"issuer", cfg.IdP.Issuer,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return errors.New("health check needs server.http_addr")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
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

// runGrantRole creates a local user with a role, or changes the role of an
// existing one. It is how the first admin gets in.
func runGrantRole(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("grant-role", flag.ContinueOnError)
	userID := fs.String("user", "", "IdP subject of the user")
	username := fs.String("username", "", "display username (defaults to --user)")
	roleName := fs.String("role", "", "one of user, power_user, manager, admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if strings.TrimSpace(*userID) == "" {
		return errors.New("--user is required")
	}
	r, err := role.Parse(*roleName)
	if err != nil {
		return err
	}
	if *username == "" {
		*username = *userID
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if err := s.UpsertUser(ctx, &store.User{UserID: *userID, Username: *username, Role: string(r)}); err != nil {
		return err
	}
	u, err := s.GetUser(ctx, *userID)
	if err != nil {
		return err
	}
	if u.Role != string(r) {
		if u, err = s.SetUserRole(ctx, *userID, string(r)); err != nil {
			return err
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ %s is now %s\n", u.UserID, u.Role)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("bodhi-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:1135")
	frontendURL := prompt(reader, "Frontend URL", "http://"+httpAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDBPath())

	fmt.Println("\n--- Identity Provider ---")
	issuer := prompt(reader, "Issuer URL", "https://id.getbodhi.app/realms/bodhi")
	clientID := prompt(reader, "Client ID", "")
	clientSecret := prompt(reader, "Client secret", "")

	fmt.Println("\n--- Token Cache ---")
	backend := prompt(reader, "Cache backend (memory/redis)", "memory")
	var redisAddr string
	if backend == "redis" {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret := make([]byte, config.MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating auth secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# bodhi-gateway configuration\n")
	cfg.WriteString("# Generated by bodhi-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  frontend_url: %q\n\n", frontendURL)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  secret: %q\n", base64.StdEncoding.EncodeToString(secret))
	cfg.WriteString("  api_token_idle_timeout: \"720h\"\n\n")

	cfg.WriteString("idp:\n")
	fmt.Fprintf(&cfg, "  issuer: %q\n", issuer)
	fmt.Fprintf(&cfg, "  client_id: %q\n", clientID)
	if clientSecret != "" {
		fmt.Fprintf(&cfg, "  client_secret: %q\n\n", clientSecret)
	} else {
		cfg.WriteString("  client_secret: \"${BODHI_IDP_CLIENT_SECRET}\"\n\n")
	}

	cfg.WriteString("cache:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", backend)
	if redisAddr != "" {
		cfg.WriteString("  redis:\n")
		fmt.Fprintf(&cfg, "    addr: %q\n", redisAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  bodhi-gateway grant-role --user <your-idp-subject> --role admin")
	fmt.Println("  bodhi-gateway serve")
	return nil
}

// defaultDBPath is XDG_DATA_HOME/bodhi/gateway.db or ~/.local/share/bodhi/gateway.db.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "bodhi", "gateway.db")
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
