package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmadesk/pharmacache/pkg/logger"
)

func sampleClosure(date string) CashClosure {
	return CashClosure{
		Date:           date,
		DrawerCounts:   map[string]int{"50": 2, "20": 5, "10": 8},
		CoinTotal:      43.8,
		WithdrawnNotes: map[string]int{"50": 2, "20": 3},
		PreviousFloat:  250,
		TargetFloat:    250,
		Results:        map[string]float64{"especes": 312.4, "cb": 1845.1},
	}
}

func TestSaveClosureUpsertsByDate(t *testing.T) {
	repo := NewClosureRepository(newTestManager(t), logger.Nop())
	ctx := context.Background()

	first := repo.Save(ctx, sampleClosure("2026-08-31"))
	require.NotNil(t, first)
	require.NotEmpty(t, first.ID)
	require.NotZero(t, first.CreatedAt)

	// Same date again: the row is updated in place, identity preserved.
	updated := sampleClosure("2026-08-31")
	updated.CoinTotal = 51.2
	updated.Notes = "recomptage"
	second := repo.Save(ctx, updated)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 51.2, second.CoinTotal)

	closures := repo.List(ctx, "", "")
	require.Len(t, closures, 1, "one closure per date")
	assert.Equal(t, 51.2, closures[0].CoinTotal)
	assert.Equal(t, "recomptage", closures[0].Notes)
}

func TestGetClosureByDate(t *testing.T) {
	repo := NewClosureRepository(newTestManager(t), logger.Nop())
	ctx := context.Background()

	saved := repo.Save(ctx, sampleClosure("2026-08-30"))
	require.NotNil(t, saved)

	got := repo.GetByDate(ctx, "2026-08-30")
	require.NotNil(t, got)
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, map[string]int{"50": 2, "20": 5, "10": 8}, got.DrawerCounts)
	assert.Equal(t, map[string]float64{"especes": 312.4, "cb": 1845.1}, got.Results)

	assert.Nil(t, repo.GetByDate(ctx, "1999-01-01"))
}

func TestListClosuresRangeAndOrder(t *testing.T) {
	repo := NewClosureRepository(newTestManager(t), logger.Nop())
	ctx := context.Background()

	for _, date := range []string{"2026-08-28", "2026-08-30", "2026-08-29"} {
		require.NotNil(t, repo.Save(ctx, sampleClosure(date)))
	}

	all := repo.List(ctx, "", "")
	require.Len(t, all, 3)
	assert.Equal(t, "2026-08-30", all[0].Date, "newest first")
	assert.Equal(t, "2026-08-29", all[1].Date)
	assert.Equal(t, "2026-08-28", all[2].Date)

	ranged := repo.List(ctx, "2026-08-29", "2026-08-30")
	require.Len(t, ranged, 2)
	assert.Equal(t, "2026-08-30", ranged[0].Date)

	from := repo.List(ctx, "2026-08-30", "")
	require.Len(t, from, 1)

	to := repo.List(ctx, "", "2026-08-28")
	require.Len(t, to, 1)
	assert.Equal(t, "2026-08-28", to[0].Date)
}

func TestDeleteClosure(t *testing.T) {
	repo := NewClosureRepository(newTestManager(t), logger.Nop())
	ctx := context.Background()

	saved := repo.Save(ctx, sampleClosure("2026-08-31"))
	require.NotNil(t, saved)

	assert.True(t, repo.Delete(ctx, saved.ID))
	assert.Nil(t, repo.GetByDate(ctx, "2026-08-31"))
	assert.False(t, repo.Delete(ctx, saved.ID), "second delete finds nothing")
}

func TestClosureRejectsEmptyDate(t *testing.T) {
	repo := NewClosureRepository(newTestManager(t), logger.Nop())
	assert.Nil(t, repo.Save(context.Background(), CashClosure{CoinTotal: 10}))
}

func TestClosuresDegradeWhenStorageDown(t *testing.T) {
	m := NewManager(func(ctx context.Context) (*Handle, error) {
		return nil, context.DeadlineExceeded
	})
	repo := NewClosureRepository(m, logger.Nop())
	ctx := context.Background()

	assert.Nil(t, repo.Save(ctx, sampleClosure("2026-08-31")))
	assert.Nil(t, repo.GetByDate(ctx, "2026-08-31"))
	assert.Nil(t, repo.List(ctx, "", ""))
	assert.False(t, repo.Delete(ctx, "x"))
}
