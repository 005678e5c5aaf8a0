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

package cfg_test

import (
	"testing"

	"github.com/krun-vmm/vfsd/cfg"
	"github.com/stretchr/testify/assert"
)

func baseConfig() *cfg.Config {
	return &cfg.Config{
		Layers: cfg.LayerList{"/lower", "/upper"},
		Logging: cfg.LoggingConfig{
			LogRotate: cfg.LogRotateConfig{MaxFileSizeMb: 10, BackupFileCount: 2},
		},
		CachePolicy: cfg.CacheAuto,
	}
}

func TestValidateConfigOK(t *testing.T) {
	assert.NoError(t, cfg.ValidateConfig(baseConfig()))
}

func TestValidateConfigRequiresLayersOrRootDir(t *testing.T) {
	c := baseConfig()
	c.Layers = nil
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigRejectsBothLayersAndRootDir(t *testing.T) {
	c := baseConfig()
	c.RootDir = "/export"
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigRejectsTooManyLayers(t *testing.T) {
	c := baseConfig()
	layers := make(cfg.LayerList, cfg.MaxLayers+1)
	for i := range layers {
		layers[i] = "/l"
	}
	c.Layers = layers
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigRejectsRelativeLayerPath(t *testing.T) {
	c := baseConfig()
	c.Layers = cfg.LayerList{"relative/path"}
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigRejectsBadLogRotate(t *testing.T) {
	c := baseConfig()
	c.Logging.LogRotate.MaxFileSizeMb = 0
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigRejectsInitKrunWithoutPath(t *testing.T) {
	c := baseConfig()
	c.InitKrun.Enabled = true
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigRejectsDaxWithoutShmSize(t *testing.T) {
	c := baseConfig()
	c.Dax.Enabled = true
	assert.Error(t, cfg.ValidateConfig(c))
}

func TestValidateConfigAcceptsDaxWithShmSize(t *testing.T) {
	c := baseConfig()
	c.Dax.Enabled = true
	c.Dax.ShmSizeMb = 64
	assert.NoError(t, cfg.ValidateConfig(c))
}

func TestValidateConfigPassthroughRootDir(t *testing.T) {
	c := baseConfig()
	c.Layers = nil
	c.RootDir = "/export"
	assert.NoError(t, cfg.ValidateConfig(c))
}
