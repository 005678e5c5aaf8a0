// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/krun-vmm/vfsd/cfg"
)

var (
	cfgFile     string
	bindErr     error
	MountConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "vfsd",
	Short: "Serve a layered copy-on-write filesystem engine",
	Long: `vfsd implements the engine side of a virtio-fs-style filesystem
server: a stack of host directory layers (bottom read-only, top writable)
merged into one passthrough or overlay view with OCI-style whiteout and
copy-up semantics.`,
}

// Execute runs the root command, exiting the process with status 1 on
// error the way gcsfuse's cmd.Execute does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(infoCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			bindErr = fmt.Errorf("reading config file %q: %w", cfgFile, err)
			return
		}
	}
	if err := viper.Unmarshal(&MountConfig, viper.DecodeHook(cfg.DecodeHook())); err != nil {
		bindErr = fmt.Errorf("unmarshaling config: %w", err)
	}
}
