package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kagehana/kagehana/internal/profile"
	"github.com/kagehana/kagehana/plugin/ai"
	aicontext "github.com/kagehana/kagehana/plugin/ai/context"
	"github.com/kagehana/kagehana/plugin/ai/session"
	"github.com/kagehana/kagehana/plugin/ai/storage/db"
	apiv1 "github.com/kagehana/kagehana/server/router/api/v1"
)

const version = "0.2.0"

var rootCmd = &cobra.Command{
	Use:   "kagehana",
	Short: "kagehana is the conversation context service of the avatar assistant",
	RunE: func(_ *cobra.Command, _ []string) error {
		p := &profile.Profile{
			Mode:                  viper.GetString("mode"),
			Addr:                  viper.GetString("addr"),
			Port:                  viper.GetInt("port"),
			Data:                  viper.GetString("data"),
			StorageDriver:         viper.GetString("driver"),
			StoragePath:           viper.GetString("storage-path"),
			DSN:                   viper.GetString("dsn"),
			MaxMessagesPerSession: profile.DefaultMaxMessagesPerSession,
			MaxSessions:           profile.DefaultMaxSessions,
			SessionTimeout:        profile.DefaultSessionTimeout,
			Version:               version,
		}
		p.FromEnv()
		if err := p.Validate(); err != nil {
			return err
		}
		return run(p, viper.GetDuration("sweep-interval"))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "demo", `mode of the server, can be "prod", "dev" or "demo"`)
	flags.String("addr", "", "address of the server")
	flags.Int("port", 8231, "port of the server")
	flags.String("data", "", "data directory")
	flags.String("driver", "memory", "storage driver (memory, file, sqlite, postgres)")
	flags.String("storage-path", "", "directory for per-session files (file driver)")
	flags.String("dsn", "", "database connection string (sqlite, postgres drivers)")
	flags.Duration("sweep-interval", 0, "interval between expired-session sweeps; 0 disables the sweeper")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("kagehana")
	viper.AutomaticEnv()
}

func run(p *profile.Profile, sweepInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := db.NewBackend(p)
	if err != nil {
		return err
	}

	sessions, err := session.NewService(backend, session.Config{
		MaxMessagesPerSession: p.MaxMessagesPerSession,
		MaxSessions:           p.MaxSessions,
		SessionTimeout:        p.SessionTimeout,
	})
	if err != nil {
		backend.Close()
		return err
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			slog.Error("failed to close session service", "error", err)
		}
	}()

	contexts := aicontext.NewManager()
	historyProvider := aicontext.NewHistoryProvider(sessions, aicontext.DefaultHistoryTurns)
	contexts.Register("history", historyProvider.Provider(),
		aicontext.WithPriority(10),
		aicontext.WithTags("conversation"),
	)

	var chat *ai.ChatService
	if p.IsLLMEnabled() {
		llm, err := ai.NewLLMService(ai.NewLLMConfigFromProfile(p))
		if err != nil {
			return err
		}
		chat = ai.NewChatService(sessions, contexts, llm)
		slog.Info("llm chat enabled", "provider", p.LLMProvider, "model", p.LLMModel)
	}

	if sweepInterval > 0 {
		sweeper := session.NewSweeper(sessions, sweepInterval)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	apiService := apiv1.NewAPIV1Service(p, sessions, contexts, chat)
	apiService.RegisterRoutes(e)

	address := fmt.Sprintf("%s:%d", p.Addr, p.Port)
	go func() {
		slog.Info("server started", "address", address, "driver", p.StorageDriver, "version", version)
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down server", "error", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
