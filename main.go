package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/choraleia/tutorchat/pkg/config"
	"github.com/choraleia/tutorchat/pkg/utils"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tutorchat",
	Short: "TutorChat - a tutoring chat assistant backed by a hosted language model",
	Long: `TutorChat serves a tutoring chat over HTTP.

Conversations, ratings and saved prompts are kept in a local SQLite
database. Configuration is read from ~/.tutorchat/config.yaml, a .env
file in the working directory and the environment.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := utils.GetLogger()

	a, err := newApp(ctx, cfg)
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			logger.Error("No API key configured; set OPENAI_API_KEY or TUTORCHAT_API_KEY")
		}
		return err
	}
	defer a.Close()

	server := NewServer(cfg, a.chat, a.emitter)
	errChan, err := server.Start(ctx)
	if err != nil {
		logger.Error("Failed to start server", "error", err)
		return err
	}

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down")
		return <-errChan
	}
}
