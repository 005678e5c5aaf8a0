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

	"github.com/spf13/cobra"

	"github.com/krun-vmm/vfsd/cfg"
)

// infoCmd prints the resolved configuration without mounting anything, for
// operators diagnosing a layer stack before handing it to the guest.
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the resolved layer stack and configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		return runInfo(&MountConfig)
	},
}

func runInfo(c *cfg.Config) error {
	if err := cfg.ValidateConfig(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	mode := "overlay"
	if cfg.IsPassthrough(c) {
		mode = "passthrough"
	}

	fmt.Printf("mode:          %s\n", mode)
	fmt.Printf("layers:        %v\n", cfg.EffectiveLayers(c))
	fmt.Printf("top (writable): %s\n", cfg.TopLayer(c))
	fmt.Printf("cache-policy:  %s\n", c.CachePolicy)
	fmt.Printf("writeback:     %t\n", c.Writeback)
	fmt.Printf("xattr:         %t\n", c.Xattr)
	fmt.Printf("export-table:  %t\n", c.ExportTable)
	if c.ExportFsid != 0 {
		fmt.Printf("export-fsid:   %d\n", c.ExportFsid)
	} else {
		fmt.Printf("export-fsid:   (generated at mount time)\n")
	}
	fmt.Printf("init-krun:     %t\n", c.InitKrun.Enabled)
	fmt.Printf("dax:           %t", c.Dax.Enabled)
	if c.Dax.Enabled {
		fmt.Printf(" (%d MiB)", c.Dax.ShmSizeMb)
	}
	fmt.Println()

	return nil
}
