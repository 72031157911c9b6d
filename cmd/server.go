/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"time"

	"github.com/deadcodehq/scavenger/internal/server"
	"github.com/spf13/cobra"
)

const (
	FlagPort            = "port"
	FlagPollingInterval = "polling-interval"
	FlagDeadMargin      = "dead-margin"
	FlagMethodRetention = "method-retention"
	FlagMethodSweepLag  = "method-sweep-lag"
	FlagGCInterval      = "gc-interval"
	FlagMysqlHost       = "mysql-host"
)

var (
	port            uint16
	pollingInterval time.Duration
	deadMargin      time.Duration
	methodRetention time.Duration
	methodSweepLag  time.Duration
	gcInterval      time.Duration
	mysqlHost       string
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the telemetry retention server",
	Long: "The server accepts agent heartbeats on /poll and garbage-collects stale records\n" +
		"per customer on a fixed cadence (set with gc-interval). An agent unheard of for\n" +
		"polling-interval plus dead-margin is considered dead and removed together with its\n" +
		"jvm snapshot; fingerprints nothing references any more follow, and methods unseen\n" +
		"for method-retention are marked and later swept together with their invocations.\n",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := server.NewServer(&server.ServerConfig{
			Port:            port,
			PollingInterval: pollingInterval,
			DeadMargin:      deadMargin,
			MethodRetention: methodRetention,
			MethodSweepLag:  methodSweepLag,
			GCInterval:      gcInterval,
			MysqlHost:       mysqlHost,
		})
		if err != nil {
			return err
		}

		return server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().Uint16VarP(&port, FlagPort, "p", server.DefaultPort,
		"listen port")
	serverCmd.Flags().DurationVarP(&pollingInterval, FlagPollingInterval, "i", server.DefaultPollingInterval,
		"expected agent heartbeat interval, at least 15s")
	serverCmd.Flags().DurationVarP(&deadMargin, FlagDeadMargin, "m", server.DefaultDeadMargin,
		"extra slack before a late agent is considered dead")
	serverCmd.Flags().DurationVarP(&methodRetention, FlagMethodRetention, "r", server.DefaultMethodRetention,
		"how long an unseen method is retained, at least 1 day")
	serverCmd.Flags().DurationVar(&methodSweepLag, FlagMethodSweepLag, server.DefaultMethodSweepLag,
		"how far the method sweep trails the mark phase")
	serverCmd.Flags().DurationVarP(&gcInterval, FlagGCInterval, "g", server.DefaultGCInterval,
		"period of the garbage collection cycle, at least 1 minute")
	serverCmd.Flags().StringVar(&mysqlHost, FlagMysqlHost, "",
		"Mysql host and port as host:port. When empty, the environment variables MYSQL_SERVICE_HOST and MYSQL_SERVICE_PORT are used")
}
