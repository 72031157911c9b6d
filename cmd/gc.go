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
	"fmt"
	"log"
	"time"

	"github.com/deadcodehq/scavenger/internal/server"
	"github.com/spf13/cobra"
)

const (
	FlagGcCustomer = "customer"
)

var gcCustomerId uint

// gcCmd represents the gc command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one garbage collection cycle and exit",
	Long: "Runs the four retention sweeps once, either for a single customer (set with\n" +
		"--customer) or for every registered customer, in the required order: agent states\n" +
		"and jvms, code-base fingerprints, method mark, method sweep.\n",
	RunE: func(cmd *cobra.Command, args []string) error {
		dao, err := server.NewDao(mysqlHost)
		if err != nil {
			return err
		}

		collector := server.NewGarbageCollector(dao, server.IntervalPolicy{
			PollingInterval: pollingInterval,
			DeadMargin:      deadMargin,
			MethodRetention: methodRetention,
		})

		customerIds := []uint{gcCustomerId}
		if gcCustomerId == 0 {
			customerIds, err = dao.ListCustomerIds()
			if err != nil {
				return err
			}
		}

		now := time.Now()
		failed := 0
		for _, customerId := range customerIds {
			if err := collector.CollectAll(customerId, now); err != nil {
				// one failing customer must not stop the others
				log.Printf("garbage collection for customer %d failed: %v\n", customerId, err)
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("garbage collection failed for %d of %d customers", failed, len(customerIds))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)

	gcCmd.Flags().UintVarP(&gcCustomerId, FlagGcCustomer, "c", 0,
		"customer id to collect. 0 collects every registered customer")
	gcCmd.Flags().DurationVar(&pollingInterval, FlagPollingInterval, server.DefaultPollingInterval,
		"expected agent heartbeat interval")
	gcCmd.Flags().DurationVar(&deadMargin, FlagDeadMargin, server.DefaultDeadMargin,
		"extra slack before a late agent is considered dead")
	gcCmd.Flags().DurationVar(&methodRetention, FlagMethodRetention, server.DefaultMethodRetention,
		"how long an unseen method is retained")
	gcCmd.Flags().StringVar(&mysqlHost, FlagMysqlHost, "",
		"Mysql host and port as host:port. When empty, the environment variables MYSQL_SERVICE_HOST and MYSQL_SERVICE_PORT are used")
}
