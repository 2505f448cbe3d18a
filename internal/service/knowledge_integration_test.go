//go:build integration

package service

import (
	"context"
	"sync"
	"testing"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/cloo-solutions/unic/internal/repository"
	"github.com/cloo-solutions/unic/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Postgres(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	t.Run("philosophy quote round trip", func(t *testing.T) {
		require.NoError(t, testutil.TruncateAll(ctx, pool))
		engine := newTestEngine(t, repository.NewKnowledgeRepository(pool))
		f := domain.Fragment{Text: "The unexamined life is not worth living.", Source: "quotes"}

		first, err := engine.IngestOne(ctx, f)
		require.NoError(t, err)
		require.True(t, first.IsPersisted())

		second, err := engine.IngestOne(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, domain.RejectReasonDuplicate, second.Reason)

		results, err := engine.Search(ctx, "philosophy and self-reflection", 1, domain.SearchFilters{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, first.ID, results[0].Entry.ID)
		assert.Contains(t, results[0].Entry.Categories, domain.CategoryPhilosophy)
	})

	t.Run("concurrent identical ingest", func(t *testing.T) {
		require.NoError(t, testutil.TruncateAll(ctx, pool))
		engine := newTestEngine(t, repository.NewKnowledgeRepository(pool))
		f := domain.Fragment{Text: "Concurrent copies converge to one entry.", Source: "manual"}

		const n = 12
		var wg sync.WaitGroup
		outcomes := make([]*domain.IngestOutcome, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i], _ = engine.IngestOne(ctx, f)
			}(i)
		}
		wg.Wait()

		persisted := 0
		for _, o := range outcomes {
			require.NotNil(t, o)
			if o.IsPersisted() {
				persisted++
			} else {
				assert.Equal(t, domain.RejectReasonDuplicate, o.Reason)
			}
		}
		assert.Equal(t, 1, persisted)

		stats, err := engine.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalEntries)
	})

	t.Run("recategorize", func(t *testing.T) {
		require.NoError(t, testutil.TruncateAll(ctx, pool))
		repo := repository.NewKnowledgeRepository(pool)
		engine := newTestEngine(t, repo)

		outcome, err := engine.IngestOne(ctx, domain.Fragment{Text: "A plain sentence about nothing much.", Source: "manual"})
		require.NoError(t, err)
		require.True(t, outcome.IsPersisted())

		require.NoError(t, repo.AppendMetadata(ctx, outcome.ID, map[string]string{"reviewed": "false"}))
		pending, err := repo.ListUncategorizedAfter(ctx, domain.EntryCursor{}, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		pass, err := engine.Recategorize(ctx, domain.EntryCursor{}, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, pass.Scanned)
		assert.Equal(t, 0, pass.Labeled)
		assert.True(t, pass.Done)
	})
}
