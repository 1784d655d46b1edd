// Command loguxd is a reference ServerNode daemon and ClientNode CLI over
// the one concrete transport this module ships (a net.Conn/JSON-lines
// adapter): it exists to exercise Node end-to-end the way a real
// deployment would, not as a general-purpose sync server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "loguxd",
	Short: "loguxd - a logux-core Node daemon and client",
	Long:  "loguxd runs a ServerNode over TCP, or connects to one as a ClientNode, sharing a single action log across peers.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a ServerNode daemon, accepting one Node per TCP connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := newViper(configFile)
		cfg := loadConfig(v)
		applyServeFlags(cmd, &cfg)

		srv, err := newServer(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return srv.Start(ctx)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [addr]",
	Short: "connect to a ServerNode as a ClientNode and stream synced actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := newViper(configFile)
		cfg := loadConfig(v)
		applyClientFlags(cmd, &cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runClient(ctx, cfg, args[0])
	},
}

func applyServeFlags(cmd *cobra.Command, cfg *daemonConfig) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
}

func applyClientFlags(cmd *cobra.Command, cfg *daemonConfig) {
	if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a loguxd.yaml config file")

	serveCmd.Flags().String("addr", "", "TCP address to listen on (overrides config/env)")
	serveCmd.Flags().String("node-id", "", "this node's id (overrides config/env)")
	rootCmd.AddCommand(serveCmd)

	connectCmd.Flags().String("node-id", "", "this node's id (overrides config/env)")
	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
