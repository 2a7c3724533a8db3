/*
Copyright 2024 The Flowmerge Authors.

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

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowmerge/flowmerge/pkg/merge"
	"github.com/flowmerge/flowmerge/pkg/processor"
	"github.com/flowmerge/flowmerge/pkg/shared/logging"
)

// processorConfig is the file/env configuration of the merge vertex.
type processorConfig struct {
	Processor processor.Options `mapstructure:"processor"`
	Merge     merge.Config      `mapstructure:"merge"`
}

func NewProcessorCommand() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:   "processor",
		Short: "Start the merge vertex processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("merge-processor")

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, log)

			log.Infow("Starting merge vertex processor",
				"strategy", cfg.Merge.Strategy, "format", cfg.Merge.Format,
				"input", cfg.Processor.InputDir, "output", cfg.Processor.OutputDir)

			p := &processor.MergeProcessor{
				Opts:     &cfg.Processor,
				MergeCfg: &cfg.Merge,
			}
			return p.Start(ctx)
		},
	}
	command.Flags().StringVar(&configFile, "config", "", "Path to the vertex configuration file")
	return command
}

func loadConfig(configFile string) (*processorConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOWMERGE")
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", configFile, err)
		}
	}

	defaults := merge.DefaultConfig()
	cfg := &processorConfig{
		Processor: processor.Options{
			PollInterval: time.Second,
			Workers:      4,
		},
		Merge: *defaults,
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}
