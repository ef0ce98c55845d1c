package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jordanhw/chatwire/internal/server"
)

var (
	configPath string
	listenAddr string
	opsAddr    string
	logLevel   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chatwire-server",
		Short:        "Run the chatwire chat server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "chat listen address (overrides config)")
	cmd.Flags().StringVar(&opsAddr, "ops", "", "ops HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func run() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := server.DefaultConfig()
	if configPath != "" {
		cfg, err = server.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	cfg = cfg.FromEnv()
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if opsAddr != "" {
		cfg.OpsAddr = opsAddr
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"listen": srv.Addr().String(),
		"ops":    cfg.OpsAddr,
	}).Info("Chat server started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("Shutting down")
	return srv.Stop(10 * time.Second)
}
