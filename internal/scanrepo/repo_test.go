// Copyright 2025 Phillip Lindsay
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

package scanrepo_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plindsay/loomguard/internal/database"
	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/internal/scanrepo"
	"github.com/plindsay/loomguard/pkg/filescan"
)

type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) RecordDatabaseOperation(_ context.Context, _ time.Duration, op, table string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op+" "+table)
}

func newRepo(t *testing.T, opts ...scanrepo.Option) *scanrepo.Repository {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return scanrepo.New(log.New(&log.Config{Output: io.Discard}), db, opts...)
}

var now = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

func entry(hash string, safe bool, expires time.Time) filescan.CacheEntry {
	e := filescan.CacheEntry{
		ContentHash: hash,
		Safe:        safe,
		Provider:    filescan.ProviderLocal,
		ExpiresAt:   expires,
	}
	if !safe {
		e.ThreatName = "EICAR-Test-File"
		e.Details = "signature match"
	}
	return e
}

func TestCacheRoundTrip(t *testing.T) {
	for _, l1 := range []int{0, 16} {
		repo := newRepo(t, scanrepo.WithL1(l1, time.Minute))
		ctx := context.Background()

		miss, err := repo.Get(ctx, "abc", now)
		require.NoError(t, err)
		assert.Nil(t, miss)

		require.NoError(t, repo.Put(ctx, entry("abc", false, now.Add(24*time.Hour))))

		got, err := repo.Get(ctx, "abc", now)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.Safe)
		assert.Equal(t, "EICAR-Test-File", got.ThreatName)
		assert.Equal(t, filescan.ProviderLocal, got.Provider)

		// A rescan replaces the verdict.
		require.NoError(t, repo.Put(ctx, entry("abc", true, now.Add(24*time.Hour))))
		got, err = repo.Get(ctx, "abc", now)
		require.NoError(t, err)
		assert.True(t, got.Safe)
		assert.Empty(t, got.ThreatName)
	}
}

func TestCacheExpiry(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, entry("old", true, now.Add(-time.Minute))))
	require.NoError(t, repo.Put(ctx, entry("fresh", true, now.Add(time.Hour))))

	got, err := repo.Get(ctx, "old", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err = repo.Get(ctx, "fresh", now)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDelete(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, entry("abc", true, now.Add(time.Hour))))
	deleted, err := repo.Delete(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := repo.Get(ctx, "abc", now)
	require.NoError(t, err)
	assert.Nil(t, got, "delete must also evict the in-process cache")

	deleted, err = repo.Delete(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestAppendAndHistory(t *testing.T) {
	rec := &opRecorder{}
	repo := newRepo(t, scanrepo.WithRecorder(rec))
	ctx := context.Background()

	for i, safe := range []bool{true, false} {
		require.NoError(t, repo.Append(ctx, filescan.LogRecord{
			ContentHash: "abc",
			Filename:    "report.pdf",
			Size:        1024,
			MimeType:    "application/pdf",
			Provider:    filescan.ProviderClamAV,
			Safe:        safe,
			DurationMs:  12,
			Quarantined: !safe,
			Timestamp:   now.Add(time.Duration(i) * time.Second),
		}))
	}

	history, err := repo.History(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Safe)
	assert.True(t, history[1].Quarantined)
	assert.Equal(t, filescan.ProviderClamAV, history[1].Provider)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), history[1].Timestamp.UnixMilli())

	assert.Equal(t, []string{"insert scan_log", "insert scan_log"}, rec.ops)
}

func TestRepositoryBacksScanner(t *testing.T) {
	repo := newRepo(t)
	scanner := filescan.NewScanner(filescan.Config{}, []filescan.Provider{filescan.NewLocalProvider()},
		filescan.WithCache(repo), filescan.WithLog(repo))

	ctx := context.Background()
	data := []byte("plain text notes")
	first := scanner.Scan(ctx, data, "notes.txt", "text/plain", filescan.Options{})
	require.True(t, first.Safe)
	assert.False(t, first.Cached)

	second := scanner.Scan(ctx, data, "notes.txt", "text/plain", filescan.Options{})
	assert.True(t, second.Cached)

	history, err := repo.History(ctx, first.ContentHash)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
