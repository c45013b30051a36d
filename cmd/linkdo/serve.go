package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/linkdo/linkdo/internal/embedding"
	"github.com/linkdo/linkdo/internal/server"
	"github.com/linkdo/linkdo/internal/store"
	"github.com/linkdo/linkdo/internal/suggest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the linkdo API server",
	Long: `Start the HTTP API server.

Endpoints:
  /api/tasks      task CRUD, cascade delete, similarity ranking
  /api/edges      manual edge management
  /api/sync       offline batch merge (last-writer-wins)
  /api/graph      full workspace snapshot
  /api/tags       tag listing and LLM tag suggestions
  /ws             WebSocket feed of task/edge/sync events
  /health         store connectivity check

All /api routes require the X-Workspace-ID header.

Configuration is read from linkdo.yaml and LINKDO_* environment
variables. Without embedding.api_key tasks persist with empty embeddings
and similarity ranking is unavailable; without anthropic.api_key the tag
suggestion endpoint reports 503.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		db, err := store.Open(viper.GetString("db_path"))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()

		if err := db.InitSchema(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		srv := server.New(&server.Config{
			Addr:   viper.GetString("addr"),
			Logger: logger,
		}, db, newEmbedder(), newSuggester())

		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		fmt.Printf("linkdo listening on %s\n", srv.Addr())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
	serveCmd.Flags().String("db", "", "database path (overrides config)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("db_path", serveCmd.Flags().Lookup("db"))

	rootCmd.AddCommand(serveCmd)
}

// newLogger writes to stderr, or to a size-rotated file when log_file is
// configured.
func newLogger() *log.Logger {
	var out io.Writer = os.Stderr
	if path := viper.GetString("log_file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, "[linkdo] ", log.LstdFlags)
}

func newEmbedder() embedding.Embedder {
	apiKey := viper.GetString("embedding.api_key")
	if apiKey == "" {
		return embedding.Disabled
	}

	var opts []embedding.Option
	if baseURL := viper.GetString("embedding.base_url"); baseURL != "" {
		opts = append(opts, embedding.WithBaseURL(baseURL))
	}
	if model := viper.GetString("embedding.model"); model != "" {
		opts = append(opts, embedding.WithModel(model))
	}
	return embedding.NewClient(apiKey, opts...)
}

func newSuggester() suggest.Suggester {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		return nil
	}
	return suggest.NewAnthropic(apiKey, viper.GetString("anthropic.model"))
}
