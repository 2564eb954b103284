// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/system"
	"github.com/moxyio/moxy/pkg/config"
	"github.com/moxyio/moxy/pkg/logutil"
	"github.com/moxyio/moxy/pkg/proxy"
	"github.com/moxyio/moxy/pkg/routers/rwsplit"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "moxy",
		Short: "moxy is a MariaDB/MySQL database proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "moxy.toml", "configuration file")
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logutil.SetupLogger(&cfg.Log); err != nil {
		return err
	}

	logutil.Info("starting moxy",
		zap.Int("threads", cfg.Threads),
		zap.Int("vcpus", system.VCPUCount()),
		zap.Uint64("available_memory", system.AvailableMemory()),
		zap.String("listen", cfg.ListenAddress))

	router := rwsplit.NewRouter(rwsplit.Config{
		TransactionReplay:           true,
		TransactionReplaySafeCommit: true,
	})
	srv, err := proxy.NewServer(cfg, router)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigC
	logutil.Info("shutting down", zap.String("signal", sig.String()))
	return srv.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
