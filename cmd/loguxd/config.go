package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// daemonConfig holds the settings a loguxd server/client needs, loaded the
// way cmd/bd's config.go loads its own: viper reads a yaml file plus
// LOGUXD_-prefixed environment variables, and cobra flags override both
// when explicitly set.
type daemonConfig struct {
	Addr        string
	NodeID      string
	Protocol    int
	MinProtocol int
	Subprotocol string
	PingMs      int64
	TimeoutMs   int64
	FixTime     bool
	MySQLDSN    string
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("loguxd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":31337")
	v.SetDefault("node-id", "server")
	v.SetDefault("protocol", 4)
	v.SetDefault("min-protocol", 4)
	v.SetDefault("subprotocol", "0.0.0")
	v.SetDefault("ping-ms", 10000)
	v.SetDefault("timeout-ms", 5000)
	v.SetDefault("fix-time", true)
	v.SetDefault("mysql-dsn", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			fmt.Printf("loguxd: no config file loaded (%v), using defaults/env/flags\n", err)
		}
	}
	return v
}

func loadConfig(v *viper.Viper) daemonConfig {
	return daemonConfig{
		Addr:        v.GetString("addr"),
		NodeID:      v.GetString("node-id"),
		Protocol:    v.GetInt("protocol"),
		MinProtocol: v.GetInt("min-protocol"),
		Subprotocol: v.GetString("subprotocol"),
		PingMs:      v.GetInt64("ping-ms"),
		TimeoutMs:   v.GetInt64("timeout-ms"),
		FixTime:     v.GetBool("fix-time"),
		MySQLDSN:    v.GetString("mysql-dsn"),
	}
}
