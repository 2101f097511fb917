package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/tripclaw/internal/config"
	ctxengine "github.com/user/tripclaw/internal/context"
	"github.com/user/tripclaw/internal/delivery"
	"github.com/user/tripclaw/internal/gateway"
	"github.com/user/tripclaw/internal/runtime"
	"github.com/user/tripclaw/internal/runtime/tools"
	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/session"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/telegram"
	"github.com/user/tripclaw/internal/types"
	"github.com/user/tripclaw/internal/webhook"
	"github.com/user/tripclaw/pkg/llm"
	"github.com/user/tripclaw/pkg/llm/openai"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tripclaw daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "tripclaw.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func taskStorePath(dataDir string) string {
	return filepath.Join(dataDir, "tasks.json")
}

func leasePath(dataDir string) string {
	return filepath.Join(dataDir, "scheduler.lease")
}

// daemon holds the wired components of a running server.
type daemon struct {
	sessions *session.Registry
	gateway  *gateway.Gateway
	sched    *scheduler.Scheduler
	bridge   *telegram.Bridge
	http     *http.Server
}

func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	trips := state.NewTripStore(cfg.DataDir)
	convs := state.NewConversationStore(cfg.DataDir)
	tasks := state.NewTaskStore(taskStorePath(cfg.DataDir))
	history := state.NewHistoryStore(cfg.DataDir)

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	titleProvider := llm.Provider(provider)
	if cfg.LLM.TitleModel != "" {
		titleProvider = openai.New(&llm.Config{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.TitleModel,
			MaxTokens: 32,
		})
	}

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, cfg.Session.ItineraryTokenBudget)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	registry := runtime.NewRegistry()
	registry.Register(tools.NewReadItinerary(trips))
	registry.Register(tools.NewUpdateItinerary(trips))
	registry.Register(tools.NewReadURL())
	registry.Register(tools.NewScheduleReminder(tasks, cfg.Scheduler.Notify))
	if cfg.Brave.APIKey != "" {
		registry.Register(tools.NewWebSearch(cfg.Brave.APIKey))
	} else {
		slog.Warn("web_search disabled (no brave api key)")
	}
	rt := runtime.New(provider, engine, history, registry, cfg.MaxToolRounds)
	slog.Info("tools registered", "tools", registry.Names())

	d := &daemon{}
	d.sessions = session.NewRegistry(ctx, session.Deps{
		Trips:         trips,
		Conversations: convs,
		Agent:         rt,
		Prompts:       engine,
		Titles:        session.NewLLMTitleGenerator(titleProvider),
		TitleDebounce: cfg.TitleDebounce(),
	})

	policy := delivery.DefaultRetryPolicy()
	if cfg.Scheduler.MaxRetries > 0 {
		policy.MaxAttempts = cfg.Scheduler.MaxRetries
	}
	deliveries := delivery.NewRegistry(policy)

	mailer := delivery.NewMailer(delivery.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, nil)
	if mailer.Configured() {
		deliveries.Register("email:", delivery.EmailHandler(mailer, "Trip reminder"))
	} else {
		slog.Warn("email delivery disabled (smtp not configured)")
	}

	var notifier *telegram.Notifier
	if cfg.Telegram.Token != "" {
		notifier, err = telegram.New(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		deliveries.Register("telegram:", delivery.TelegramHandler(notifier))
		if cfg.Telegram.TripID != "" {
			d.bridge = telegram.NewBridge(notifier, d.sessions, types.TripID(cfg.Telegram.TripID))
		}
	} else {
		slog.Warn("telegram disabled (no token)")
	}

	d.gateway = gateway.New(d.sessions, gateway.Options{
		MaxConcurrent:  int64(cfg.MaxConcurrent),
		LaneBuffer:     cfg.Session.LaneBuffer,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	var runner webhook.TaskRunner
	if cfg.Scheduler.Enabled {
		lease := scheduler.NewLease(leasePath(cfg.DataDir), os.Getpid(), cfg.LeaseTTL())
		d.sched = scheduler.New(tasks, lease, scheduler.Options{
			Interval:    cfg.SchedulerInterval(),
			RepeatTypes: cfg.Scheduler.RepeatTypes,
		})
		d.sched.Register(types.TaskTypeEmail, delivery.EmailTask(mailer, policy))
		if notifier != nil {
			d.sched.Register(types.TaskTypeTelegram, delivery.TelegramTask(notifier, policy))
		}
		d.sched.Register(types.TaskTypeReminder, delivery.ReminderTask(d.sessions, convs, deliveries))
		runner = d.sched
	}

	d.http = &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: webhook.NewServer(webhook.Deps{
			Tasks:         tasks,
			Runner:        runner,
			Trips:         trips,
			Conversations: convs,
			Sessions:      d.sessions,
			WebSocket:     http.HandlerFunc(d.gateway.ServeWS),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restart := make(chan os.Signal, 1)
	signal.Notify(restart, syscall.SIGHUP)
	defer signal.Stop(restart)

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	d.gateway.Start(gctx)
	if d.sched != nil {
		d.sched.Start(gctx)
	}
	if d.bridge != nil {
		g.Go(func() error {
			d.bridge.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	restarting := false
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-restart:
			slog.Info("received SIGHUP, restarting")
			restarting = true
			stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.http.Shutdown(shutdownCtx)
	})

	slog.Info("tripclaw started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_model", cfg.LLM.Model,
		"scheduler", cfg.Scheduler.Enabled,
		"pid_file", pidFile,
	)

	err = g.Wait()

	if n := d.sessions.CancelAll(); n > 0 {
		slog.Info("cancelled active queries", "count", n)
	}
	if d.sched != nil {
		d.sched.Stop()
	}
	d.gateway.Stop()
	slog.Info("shutting down")

	if err != nil {
		return err
	}
	if restarting {
		return reexec(pidFile)
	}
	return nil
}

// reexec replaces the process with a fresh copy of itself.
func reexec(pidFile string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	os.Remove(pidFile)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
