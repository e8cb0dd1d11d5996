package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"metrochat/config"
	"metrochat/network"
)

var listenPortFlag int

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "wait for a peer to connect",
	Long:  `listen accepts inbound peers and opens an interactive chat; the latest connection replaces the current one`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd, "")
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect target",
	Short: "connect to a peer",
	Long:  `connect dials a peer by saved name or host:port and opens an interactive chat`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd, args[0])
	},
}

func init() {
	listenCmd.Flags().IntVarP(&listenPortFlag, "port", "p", 0, "listening port (default from config)")
	connectCmd.Flags().IntVarP(&listenPortFlag, "port", "p", 0, "listening port (default from config)")
}

func runInteractive(cmd *cobra.Command, target string) error {
	svc, cfg, err := openService()
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	out := cmd.OutOrStdout()
	term := newTerminal(svc, out)
	svc.Subscribe(term.handle)

	port := listenPortFlag
	if port == 0 {
		port = config.ResolveListenPort(cfg)
	}
	bound, err := svc.Listen(port)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s listening on %s:%d\n", cfg.DeviceName, network.LocalIP(), bound)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if target != "" {
		if _, err := svc.Connect(ctx, target); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "type a message, /send <path>, /connect <target>, /disconnect or /quit")
	return term.run(ctx, cmd.InOrStdin())
}
