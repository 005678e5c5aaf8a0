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
	"github.com/stretchr/testify/require"
)

func TestOctalUnmarshalText(t *testing.T) {
	var o cfg.Octal
	require.NoError(t, o.UnmarshalText([]byte("0755")))
	assert.Equal(t, cfg.Octal(0755), o)
}

func TestOctalMarshalText(t *testing.T) {
	o := cfg.Octal(0644)
	b, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "644", string(b))
}

func TestOctalUnmarshalTextInvalid(t *testing.T) {
	var o cfg.Octal
	assert.Error(t, o.UnmarshalText([]byte("not-octal")))
}

func TestLogSeverityRank(t *testing.T) {
	assert.Less(t, cfg.TraceLogSeverity.Rank(), cfg.DebugLogSeverity.Rank())
	assert.Less(t, cfg.DebugLogSeverity.Rank(), cfg.InfoLogSeverity.Rank())
	assert.Less(t, cfg.InfoLogSeverity.Rank(), cfg.WarningLogSeverity.Rank())
	assert.Less(t, cfg.WarningLogSeverity.Rank(), cfg.ErrorLogSeverity.Rank())
	assert.Less(t, cfg.ErrorLogSeverity.Rank(), cfg.OffLogSeverity.Rank())
}

func TestLogSeverityRankUnknown(t *testing.T) {
	assert.Equal(t, -1, cfg.LogSeverity("bogus").Rank())
}

func TestLogSeverityUnmarshalText(t *testing.T) {
	var l cfg.LogSeverity
	require.NoError(t, l.UnmarshalText([]byte("warning")))
	assert.Equal(t, cfg.WarningLogSeverity, l)

	assert.Error(t, l.UnmarshalText([]byte("bogus")))
}

func TestCachePolicyUnmarshalText(t *testing.T) {
	var p cfg.CachePolicy
	require.NoError(t, p.UnmarshalText([]byte("ALWAYS")))
	assert.Equal(t, cfg.CacheAlways, p)

	assert.Error(t, p.UnmarshalText([]byte("sometimes")))
}

func TestLayerListUnmarshalText(t *testing.T) {
	var l cfg.LayerList
	require.NoError(t, l.UnmarshalText([]byte("/a:/b:/c")))
	assert.Equal(t, cfg.LayerList{"/a", "/b", "/c"}, l)
}

func TestLayerListUnmarshalTextSkipsEmpty(t *testing.T) {
	var l cfg.LayerList
	require.NoError(t, l.UnmarshalText([]byte("/a::/b:")))
	assert.Equal(t, cfg.LayerList{"/a", "/b"}, l)
}
