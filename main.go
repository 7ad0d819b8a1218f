package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ti/config"
	"ti/db"
	"ti/logging"
	"ti/protocol"
	"ti/server"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ti",
		Short:         "Minimal instant messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		controlCmd(&configPath, "stats", "Print server statistics", 0),
		controlCmd(&configPath, "shutdown", "Stop a running server", 1),
		controlCmd(&configPath, "reset", "Recompute a user's sync digest", 1),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logging.Init("ti", cfg.LogLevel)

			database, err := db.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			defer database.Close()

			srv := server.New(database, &server.ServerConfig{
				Port:         cfg.Port,
				ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
				WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
				Limits:       protocol.Limits{MaxPayload: cfg.MaxPayload},
				PageSize:     cfg.PageSize,
			})

			if cfg.ControlSocket != "" {
				go func() {
					if err := srv.ServeControl(cfg.ControlSocket); err != nil {
						log.Error().Err(err).Msg("control socket stopped")
					}
				}()
			}
			if cfg.MetricsAddr != "" {
				go func() {
					log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
					if err := server.ServeMetrics(cfg.MetricsAddr); err != nil {
						log.Error().Err(err).Msg("metrics server stopped")
					}
				}()
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigChan
				log.Info().Str("signal", sig.String()).Msg("signal received")
				srv.Shutdown("signal")
			}()

			return srv.Start()
		},
	}
}

// controlCmd sends one command to the control socket of a running server.
// maxArgs extra arguments are joined to the command with "|".
func controlCmd(configPath *string, name, short string, maxArgs int) *cobra.Command {
	use := name
	switch name {
	case "shutdown":
		use += " [reason]"
	case "reset":
		use += " <userId>"
	}
	argCheck := cobra.MaximumNArgs(maxArgs)
	if name == "reset" {
		argCheck = cobra.ExactArgs(1)
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  argCheck,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			command := name
			if len(args) > 0 {
				command += "|" + args[0]
			}
			reply, err := server.SendControlCommand(cfg.ControlSocket, command)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
