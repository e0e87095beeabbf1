// Command voxwire is the interactive voice session client. It authenticates
// against a voxwired broker, negotiates realtime sessions, and drives the
// live event channel from a line-oriented console.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/feldgren/voxwire/internal/auth"
	"github.com/feldgren/voxwire/internal/config"
	"github.com/feldgren/voxwire/internal/events"
	"github.com/feldgren/voxwire/internal/monitor"
	"github.com/feldgren/voxwire/internal/observe"
	"github.com/feldgren/voxwire/internal/session"
	"github.com/feldgren/voxwire/pkg/rtc"
	"github.com/feldgren/voxwire/pkg/rtc/pion"
	"github.com/feldgren/voxwire/pkg/secrets"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxwire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		}
		return 1
	}
	if cfg.Client.BrokerURL == "" {
		fmt.Fprintln(os.Stderr, "voxwire: client.broker_url is required")
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxwire starting",
		"config", *configPath,
		"broker_url", cfg.Client.BrokerURL,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxwire",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// Credential store
	store, err := buildSecretStore(cfg.Client.Secrets)
	if err != nil {
		slog.Error("failed to initialise credential store", "err", err)
		return 1
	}

	manager := auth.New(cfg.Client.BrokerURL, secrets.NewCredentials(store))
	if manager.Authenticated() {
		if user, err := manager.FetchUser(ctx); err == nil {
			slog.Info("restored session", "email", user.Email)
		} else if errors.Is(err, auth.ErrUnauthorized) {
			slog.Info("stored credentials expired, please log in again")
		} else {
			slog.Warn("could not validate stored credentials", "err", err)
		}
	}

	// Session plumbing
	var dialOpts []pion.Option
	if len(cfg.Client.STUNServers) > 0 {
		dialOpts = append(dialOpts, pion.WithSTUNServers(cfg.Client.STUNServers...))
	}
	dialer := pion.NewDialer(rtc.NewSilenceSource(), dialOpts...)

	log := events.NewLog()
	orch := session.New(manager, dialer, log, session.WithDefaults(session.Settings{
		Instructions: cfg.Client.Defaults.Instructions,
		Voice:        cfg.Client.Defaults.Voice,
	}))
	defer orch.Stop()

	// Local debug surface
	if cfg.Client.MonitorAddr != "" {
		mon := monitor.New(log)
		go func() {
			if err := mon.Run(ctx, cfg.Client.MonitorAddr); err != nil {
				slog.Warn("monitor stopped", "err", err)
			}
		}()
		slog.Info("monitor listening", "addr", cfg.Client.MonitorAddr)
	}

	console := &console{
		manager: manager,
		orch:    orch,
		log:     log,
	}
	if err := console.repl(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("console error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildSecretStore maps the configured backend to a secrets.Store.
func buildSecretStore(cfg config.SecretsConfig) (secrets.Store, error) {
	root := cfg.FileRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".config", "voxwire", "secrets")
	}

	switch cfg.Backend {
	case config.SecretsPass:
		ps := secrets.NewPassStore()
		if !ps.Available() {
			return nil, errors.New("secrets backend \"pass\" configured but pass(1) is not usable")
		}
		return ps, nil
	case config.SecretsFile:
		return secrets.NewFileStore(root), nil
	default:
		return secrets.Detect(root), nil
	}
}

// console is the interactive command loop.
type console struct {
	manager *auth.Manager
	orch    *session.Orchestrator
	log     *events.Log
}

const consoleHelp = `commands:
  login <email> <password>       authenticate with the broker
  register <email> <password>    create an account and log in
  logout                         clear stored credentials
  start [voice]                  start a session (optional voice override)
  stop                           end the current session
  say <text>                     send a user text turn
  steer <instructions>           update instructions mid-session
  refresh                        re-fetch saved settings on next start
  tail [n]                       show the n most recent events (default 10)
  quit                           exit`

func (c *console) repl(ctx context.Context) error {
	fmt.Println(consoleHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.dispatch(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// dispatch runs one console command. Returns true to exit the loop.
func (c *console) dispatch(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "login", "register":
		id, secret, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Printf("usage: %s <email> <password>\n", cmd)
			return false
		}
		var res auth.Result
		if cmd == "login" {
			res = c.manager.Login(ctx, id, strings.TrimSpace(secret))
		} else {
			res = c.manager.Register(ctx, id, strings.TrimSpace(secret))
		}
		if res.Success {
			fmt.Println("authenticated")
		} else {
			fmt.Println(res.Error)
		}
	case "logout":
		c.orch.Stop()
		c.manager.Logout(ctx)
		fmt.Println("logged out")
	case "start":
		if !c.manager.Authenticated() {
			fmt.Println("log in first")
			return false
		}
		if err := c.orch.Start(ctx, "", rest); err != nil {
			fmt.Printf("failed to start session: %v\n", err)
			return false
		}
		fmt.Println("session negotiated, waiting for channel")
	case "stop":
		c.orch.Stop()
		fmt.Println("session stopped")
	case "say":
		if rest == "" {
			fmt.Println("usage: say <text>")
			return false
		}
		c.orch.SendText(rest)
	case "steer":
		if rest == "" {
			fmt.Println("usage: steer <instructions>")
			return false
		}
		c.orch.UpdateInstructions(rest)
	case "refresh":
		c.orch.InvalidateSettings()
		fmt.Println("settings will be re-fetched on next start")
	case "tail":
		n := 10
		if rest != "" {
			fmt.Sscanf(rest, "%d", &n)
		}
		snapshot := c.log.Snapshot()
		if len(snapshot) > n {
			snapshot = snapshot[:n]
		}
		for _, e := range snapshot {
			ts := ""
			if !e.Timestamp.IsZero() {
				ts = e.Timestamp.Format("15:04:05") + " "
			}
			fmt.Printf("%s%s %s\n", ts, e.Type, e.ID)
		}
	case "quit", "exit":
		return true
	case "help":
		fmt.Println(consoleHelp)
	default:
		fmt.Printf("unknown command %q (try help)\n", cmd)
	}
	return false
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
