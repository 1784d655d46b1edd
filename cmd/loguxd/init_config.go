package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of a loguxd.yaml config file, written by
// initConfigCmd and read back by newViper's SetConfigFile/ReadInConfig.
// Kept as a plain yaml-tagged struct (rather than hand-built map/string
// templating) so the written file round-trips through yaml.Marshal/
// Unmarshal exactly, grounded on cmd/bd/config_local.go's localConfig
// pattern.
type fileConfig struct {
	Addr        string `yaml:"addr"`
	NodeID      string `yaml:"node-id"`
	Protocol    int    `yaml:"protocol"`
	MinProtocol int    `yaml:"min-protocol"`
	Subprotocol string `yaml:"subprotocol"`
	PingMs      int64  `yaml:"ping-ms"`
	TimeoutMs   int64  `yaml:"timeout-ms"`
	FixTime     bool   `yaml:"fix-time"`
	MySQLDSN    string `yaml:"mysql-dsn"`
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "write a default loguxd.yaml config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "loguxd.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("loguxd: %s already exists", path)
		}

		cfg := fileConfig{
			Addr:        ":31337",
			NodeID:      "server",
			Protocol:    4,
			MinProtocol: 4,
			Subprotocol: "0.0.0",
			PingMs:      10000,
			TimeoutMs:   5000,
			FixTime:     true,
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("loguxd: marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("loguxd: write %s: %w", path, err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
}
