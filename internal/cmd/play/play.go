// Package play parses play command flags and starts the session view.
package play

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/emberlane/storyloom/internal/auth"
	"github.com/emberlane/storyloom/internal/gamemaster"
	"github.com/emberlane/storyloom/internal/netmon"
	entrypoint "github.com/emberlane/storyloom/internal/platform/cmd"
	platformgrpc "github.com/emberlane/storyloom/internal/platform/grpc"
	"github.com/emberlane/storyloom/internal/session"
	"github.com/emberlane/storyloom/internal/storage"
	"github.com/emberlane/storyloom/internal/storage/sqlite"
	"github.com/emberlane/storyloom/internal/tui"
)

const healthDialTimeout = 10 * time.Second

// Config holds play command configuration.
type Config struct {
	ServerURL  string `env:"STORYLOOM_SERVER_URL" envDefault:"http://localhost:8080"`
	HealthAddr string `env:"STORYLOOM_HEALTH_ADDR"`
	Token      string `env:"STORYLOOM_TOKEN"`
	SessionID  string `env:"STORYLOOM_SESSION_ID"`
	Mode       string `env:"STORYLOOM_MODE" envDefault:"adventure"`
	CachePath  string `env:"STORYLOOM_CACHE_PATH"`
	Title      string `env:"STORYLOOM_TITLE" envDefault:"storyloom"`
}

// ParseConfig parses environment and flags into a Config. Flags registered
// here start empty; env defaults land before the args are parsed, so a flag
// only wins when it was actually passed.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.ServerURL, "server", "", "The game master API base URL")
	fs.StringVar(&cfg.HealthAddr, "health-addr", "", "The gRPC health endpoint for connectivity probing (optional)")
	fs.StringVar(&cfg.Token, "token", "", "The bearer credential for API calls")
	fs.StringVar(&cfg.SessionID, "session", "", "The story session to join")
	fs.StringVar(&cfg.Mode, "mode", "", "The storytelling mode")
	fs.StringVar(&cfg.CachePath, "cache", "", "The offline transcript cache path (optional)")
	fs.StringVar(&cfg.Title, "title", "", "The session view title")
	if err := entrypoint.ParseConfigFromArgs(&cfg, fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the interactive session view.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePlay, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return fmt.Errorf("session id is required (set -session or STORYLOOM_SESSION_ID)")
	}

	var tokens auth.TokenSource
	if strings.TrimSpace(cfg.Token) != "" {
		tokens = auth.NewExpiryGuard(auth.NewStaticTokenSource(cfg.Token))
	}

	client := gamemaster.New(cfg.ServerURL, tokens)
	defer client.Close()

	monitor := netmon.Default()
	if cfg.HealthAddr != "" {
		conn, err := platformgrpc.DialWithHealth(ctx, nil, cfg.HealthAddr, healthDialTimeout, log.Printf, platformgrpc.DefaultClientDialOptions()...)
		if err != nil {
			log.Printf("health endpoint %s unavailable: %v", cfg.HealthAddr, err)
		} else {
			defer conn.Close()
			prober := &netmon.Prober{
				Monitor: monitor,
				Watch: func(ctx context.Context, onServing func(bool)) error {
					return platformgrpc.WatchHealth(ctx, conn, "", onServing)
				},
				Logf: log.Printf,
			}
			go func() {
				if err := prober.Run(ctx); err != nil && ctx.Err() == nil {
					log.Printf("connectivity prober: %v", err)
				}
			}()
		}
	}

	var cache storage.TranscriptCache
	if cfg.CachePath != "" {
		store, err := sqlite.Open(cfg.CachePath)
		if err != nil {
			log.Printf("open transcript cache %s: %v", cfg.CachePath, err)
		} else {
			defer store.Close()
			cache = store
		}
	}

	program, controller, err := buildProgram(cfg, client, monitor, cache)
	if err != nil {
		return err
	}
	defer controller.Close()

	unsubscribe := monitor.Subscribe(func(online bool) {
		program.Send(tui.OnlineMsg{Online: online})
	})
	defer unsubscribe()

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	controller.Load()
	_, err = program.Run()
	return err
}

// buildProgram wires the controller, its listener, and the terminal view.
// The forwarder cannot be handed to NewController directly because the
// program does not exist until the model does, so controller events pass
// through a relay that is bound to the program before anything runs.
func buildProgram(cfg Config, client *gamemaster.Client, monitor *netmon.Monitor, cache storage.TranscriptCache) (*tea.Program, *session.Controller, error) {
	relay := &listenerRelay{}

	controller, err := session.NewController(session.Options{
		SessionID: cfg.SessionID,
		Mode:      cfg.Mode,
		Client:    client,
		Monitor:   monitor,
		Cache:     cache,
		Listener:  relay,
		Logf:      log.Printf,
	})
	if err != nil {
		return nil, nil, err
	}

	model := tui.New(controller, cfg.Title)
	program := tea.NewProgram(model, tea.WithAltScreen())
	relay.bind(tui.Forwarder{Send: program.Send})

	return program, controller, nil
}
