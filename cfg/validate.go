// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"fmt"
	"path/filepath"
)

// MaxLayers is the hard cap on len(Config.Layers) from spec §6.
const MaxLayers = 128

func isValidLogRotateConfig(config *LogRotateConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLayers(config *Config) error {
	if len(config.Layers) == 0 && config.RootDir == "" {
		return fmt.Errorf("one of --layers or --root-dir must be set")
	}
	if len(config.Layers) > 0 && config.RootDir != "" {
		return fmt.Errorf("--layers and --root-dir are mutually exclusive")
	}
	if len(config.Layers) > MaxLayers {
		return fmt.Errorf("too many layers: %d, max is %d", len(config.Layers), MaxLayers)
	}
	for _, l := range config.Layers {
		if !filepath.IsAbs(l) {
			return fmt.Errorf("layer path %q must be absolute", l)
		}
	}
	if config.RootDir != "" && !filepath.IsAbs(config.RootDir) {
		return fmt.Errorf("root-dir %q must be absolute", config.RootDir)
	}
	return nil
}

func isValidCachePolicy(p CachePolicy) error {
	switch p {
	case CacheNever, CacheAuto, CacheAlways, "":
		return nil
	default:
		return fmt.Errorf("invalid cache-policy: %s", p)
	}
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLayers(config); err != nil {
		return fmt.Errorf("error parsing layer config: %w", err)
	}

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidCachePolicy(config.CachePolicy); err != nil {
		return fmt.Errorf("error parsing cache-policy config: %w", err)
	}

	if config.InitKrun.Enabled && config.InitKrun.Path == "" {
		return fmt.Errorf("init-krun is enabled but init-krun-path is empty")
	}

	if config.Dax.Enabled && config.Dax.ShmSizeMb <= 0 {
		return fmt.Errorf("dax is enabled but shm-size-mb is not positive")
	}

	return nil
}
