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

package cred_test

import (
	"testing"

	"github.com/krun-vmm/vfsd/internal/cred"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseOnNilGuardIsNoop(t *testing.T) {
	var g *cred.Guard
	assert.NotPanics(t, func() { g.Release() })
}

func TestReleaseOnZeroGuardIsNoop(t *testing.T) {
	g := &cred.Guard{}
	assert.NotPanics(t, func() { g.Release() })
}

func TestScopedSelfIdentityIsNoop(t *testing.T) {
	g, err := cred.Scoped(0, 0)
	require.NoError(t, err)
	require.NotNil(t, g)
	g.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, err := cred.Scoped(0, 0)
	require.NoError(t, err)
	g.Release()
	assert.NotPanics(t, func() { g.Release() })
}
