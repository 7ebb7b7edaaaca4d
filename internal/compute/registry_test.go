// Copyright 2025 Tom Barlow
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

package compute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/store/memory"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

func seedCatalog(t *testing.T, be *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-railway", Name: "railway", Enabled: true,
	}))
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-sandbox", Name: "sandbox", IsSandbox: true, Enabled: true,
	}))
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-old", Name: "heroku", Enabled: false,
	}))
}

func TestRegistry_ProviderCachesInstances(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, memory.New(), nil)

	p1, err := r.Provider(context.Background(), "local")
	require.NoError(t, err)
	p2, err := r.Provider(context.Background(), "LOCAL")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
}

func TestRegistry_ProviderConcurrentFirstUse(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, memory.New(), nil)

	const n = 16
	results := make([]Provider, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Provider(context.Background(), "local")
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, memory.New(), nil)

	_, err := r.Provider(context.Background(), "fly")
	var cerr *wberrors.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestRegistry_EmptyProviderName(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, memory.New(), nil)

	_, err := r.Provider(context.Background(), "  ")
	var verr *wberrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRegistry_MisconfiguredProviderIsNotCached(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, memory.New(), nil)

	_, err := r.Provider(context.Background(), "railway")
	var cerr *wberrors.ConfigError
	require.ErrorAs(t, err, &cerr)

	// Construction failed, so a later call retries instead of serving a
	// cached error.
	r.cfg.Railway = RailwayConfig{Token: "t", ProjectID: "p", EnvironmentID: "e", APIURL: "https://example.com"}
	p, err := r.Provider(context.Background(), "railway")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRegistry_Default(t *testing.T) {
	assert.Equal(t, "local", NewRegistry(RegistryConfig{}, memory.New(), nil).Default())
	assert.Equal(t, "railway", NewRegistry(RegistryConfig{DefaultProvider: "railway"}, memory.New(), nil).Default())
}

func TestRegistry_Available(t *testing.T) {
	be := memory.New()
	seedCatalog(t, be)
	r := NewRegistry(RegistryConfig{}, be, nil)
	ctx := context.Background()

	ok, err := r.Available(ctx, "railway")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Available(ctx, "Sandbox")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Available(ctx, "heroku")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Available(ctx, "fly")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_AvailableCachesUntilTTL(t *testing.T) {
	be := memory.New()
	seedCatalog(t, be)
	r := NewRegistry(RegistryConfig{}, be, nil)
	ctx := context.Background()

	now := time.Now()
	r.now = func() time.Time { return now }

	ok, err := r.Available(ctx, "railway")
	require.NoError(t, err)
	require.True(t, ok)

	// Disable the provider; the cached set keeps serving it.
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-railway", Name: "railway", Enabled: false,
	}))

	ok, err = r.Available(ctx, "railway")
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the TTL the catalog is consulted again.
	now = now.Add(DefaultEnabledTTL + time.Second)
	ok, err = r.Available(ctx, "railway")
	require.NoError(t, err)
	assert.False(t, ok)
}
