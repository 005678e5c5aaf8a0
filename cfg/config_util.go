// Copyright 2024 Google LLC
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
	"encoding/binary"

	"github.com/google/uuid"
)

// GenerateExportFsid mints a random filesystem id for the FD-export ioctl
// table (§6) when --export-fsid is left at its zero-value default.
func GenerateExportFsid() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

// EffectiveLayers returns the resolved bottom-to-top layer stack, folding
// the --root-dir passthrough shorthand into a single-entry layer list.
func EffectiveLayers(config *Config) LayerList {
	if len(config.Layers) > 0 {
		return config.Layers
	}
	if config.RootDir != "" {
		return LayerList{config.RootDir}
	}
	return nil
}

// TopLayer returns the writable top-of-stack layer, or "" if no layers are
// configured.
func TopLayer(config *Config) string {
	layers := EffectiveLayers(config)
	if len(layers) == 0 {
		return ""
	}
	return layers[len(layers)-1]
}

// IsPassthrough reports whether the mount exports a single layer, in which
// case the copy-up engine and whiteout handling never engage.
func IsPassthrough(config *Config) bool {
	return len(EffectiveLayers(config)) == 1
}
