package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metrochat/chat"
	"metrochat/config"
	"metrochat/logging"
)

var (
	dataDirFlag  string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   `metrochat`,
	Short: "direct peer to peer chat",
	Long:  `metrochat is a direct peer to peer chat client that exchanges text and files over a single TCP connection`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDirFlag != "" {
			return os.Setenv(config.DataDirEnv, dataDirFlag)
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(addPeerCmd)
	rootCmd.AddCommand(removePeerCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
}

// openService loads the device config and starts the chat runtime.
func openService() (*chat.Service, *config.DeviceConfig, error) {
	cfg, _, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logger := logging.New(level, os.Stderr)
	logger.WithField("data_dir", dataDir).Debug("config loaded")

	svc, err := chat.New(chat.Options{
		Config:  cfg,
		DataDir: dataDir,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}
