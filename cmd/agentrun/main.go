package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/mpataki/agentrun/internal/catalog"
	"github.com/mpataki/agentrun/internal/config"
	"github.com/mpataki/agentrun/internal/notify"
	"github.com/mpataki/agentrun/internal/orchestrator"
	"github.com/mpataki/agentrun/internal/registry"
	"github.com/mpataki/agentrun/internal/storage"
	"github.com/mpataki/agentrun/internal/transcript"
	"github.com/mpataki/agentrun/internal/tui"
)

func main() {
	// A .env in the working directory is optional.
	_ = godotenv.Load()

	var debug, jsonLogs bool

	rootCmd := &cobra.Command{
		Use:   "agentrun",
		Short: "Run and supervise Claude agents",
		Long:  "agentrun spawns Claude CLI agents, tracks their runs and exposes their output.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			format := log.FormatTerminal
			if jsonLogs || !log.IsTerminal() {
				format = log.FormatJSON
			}
			ctx := log.Context(cmd.Context(), log.WithFormat(format))
			if debug {
				ctx = log.Context(ctx, log.WithDebug())
				log.Debugf(ctx, "debug logs enabled")
			}
			cmd.SetContext(ctx)
		},
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logs")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Log as JSON")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newOutputCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newAgentsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env holds everything a command needs, opened from the configuration.
type env struct {
	cfg     *config.Config
	store   *storage.Storage
	agents  *catalog.Catalog
	orch    *orchestrator.Orchestrator
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e := &env{cfg: cfg, store: store, closers: []func() error{store.Close}}

	e.agents, err = catalog.LoadAll(cfg.AgentDirs())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	transcripts, err := transcript.NewReader(cfg.ProjectsDir)
	if err != nil {
		e.Close()
		return nil, err
	}

	notifier, err := e.notifiers(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}

	oc := cfg.Orchestrator
	e.orch = orchestrator.New(orchestrator.Options{
		Store:           store,
		Agents:          e.agents,
		Registry:        registry.New(oc.KillGrace.Duration),
		Locator:         orchestrator.PathLocator{Binary: cfg.ClaudeBinary},
		Transcripts:     transcripts,
		Notifier:        notifier,
		StartupTimeout:  oc.StartupTimeout.Duration,
		DrainTimeout:    oc.DrainTimeout.Duration,
		TailInterval:    oc.TailInterval.Duration,
		MissingInterval: oc.MissingInterval.Duration,
	})
	e.closers = append(e.closers, func() error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return e.orch.Close(ctx)
	})

	return e, nil
}

// notifiers connects the optional external sinks. Events always reach the
// debug log.
func (e *env) notifiers(ctx context.Context) (notify.Notifier, error) {
	sinks := notify.Multi{notify.LogNotifier{}}
	nc := e.cfg.Notify

	if nc.RedisURL != "" {
		opt, err := redis.ParseURL(nc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		e.closers = append(e.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		sn, err := notify.NewStreamNotifier(notify.StreamOptions{
			Redis:        rdb,
			StreamMaxLen: nc.StreamMaxLen,
			Timeout:      nc.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sn)
		log.Infof(ctx, "publishing run events to redis streams")
	}

	if nc.NATSURL != "" {
		nn, conn, err := notify.ConnectNATS(nc.NATSURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, conn.Drain)
		sinks = append(sinks, nn)
		log.Infof(ctx, "publishing run events to nats")
	}

	return sinks, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	// Keep TUI logs off the terminal.
	ctx := log.Context(cmd.Context(), log.WithOutput(io.Discard))

	app := tui.NewApp(ctx, e.orch, e.cfg.ClaudeBinary)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
