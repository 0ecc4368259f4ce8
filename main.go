package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DavidGasparyan/phishing-simulator/auth"
	"github.com/DavidGasparyan/phishing-simulator/config"
	"github.com/DavidGasparyan/phishing-simulator/logging"
	"github.com/DavidGasparyan/phishing-simulator/server"
	"github.com/DavidGasparyan/phishing-simulator/tracker"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "phishsim",
		Short:         "Phishing simulation: tracked sends, click capture and live dashboards",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetEnv("CONFIG_PATH", "config.yaml"), "path to the YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configFile tolerates a missing default config file so the service can run
// from the environment alone.
func configFile(cmd *cobra.Command) string {
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return ""
	}
	return configPath
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a service",
	}

	modes := []struct {
		mode  server.Mode
		short string
	}{
		{server.ModeSimulation, "Tracking endpoint, send endpoint and relay publisher"},
		{server.ModeManagement, "Management API, realtime gateway and relay consumer"},
		{server.ModeStandalone, "Both services in one process"},
	}
	for _, m := range modes {
		mode := m.mode
		cmd.AddCommand(&cobra.Command{
			Use:   string(mode),
			Short: m.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, mode)
			},
		})
	}
	return cmd
}

func runServe(cmd *cobra.Command, mode server.Mode) error {
	cfg := config.MustLoadConfig(configFile(cmd))
	logging.Setup(os.Stdout, cfg.Log.Format, cfg.Log.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := build(ctx, mode, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer app.close()

	srv := server.New(mode, cfg, app.deps)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server exited properly")
	return nil
}

func tokenCmd() *cobra.Command {
	var sub, email, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile(cmd))
			if err != nil {
				return err
			}
			issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TTL)
			if err != nil {
				return err
			}
			tok, err := issuer.Issue(sub, email, role, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&sub, "sub", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "user e-mail")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "ADMIN or USER")
	cmd.MarkFlagRequired("sub")

	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh tracking key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, tracker.KeySize)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	}
}
