package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randVec(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i%7) + seed
	}
	return v
}

func TestIVFPQIndexExactModeRoundTrip(t *testing.T) {
	idx := NewIVFPQIndex(8)
	ctx := context.Background()

	ids, err := idx.Add(ctx, [][]float32{randVec(8, 0), randVec(8, 1), randVec(8, 2)})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	stats := idx.Stats()
	assert.False(t, stats.Trained)
	assert.Equal(t, 3, stats.Count)

	results, err := idx.Search(ctx, randVec(8, 0), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[0], results[0].DocID)
}

func TestIVFPQIndexDimensionMismatch(t *testing.T) {
	idx := NewIVFPQIndex(8)
	_, err := idx.Add(context.Background(), [][]float32{{1, 2, 3}})
	var mismatch ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestIVFPQIndexPromotesAtThreshold(t *testing.T) {
	const dim = 16
	idx := NewIVFPQIndex(dim)
	idx.nlist = 4 // shrink for a fast test
	ctx := context.Background()

	threshold := trainingThreshold(idx.nlist)
	batch := make([][]float32, threshold)
	for i := range batch {
		batch[i] = randVec(dim, float32(i%5))
	}

	_, err := idx.Add(ctx, batch)
	require.NoError(t, err)
	assert.True(t, idx.Stats().Trained)

	results, err := idx.Search(ctx, randVec(dim, 0), 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestIVFPQIndexSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := NewIVFPQIndex(4)
	ctx := context.Background()
	_, err := idx.Add(ctx, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	require.NoError(t, err)

	path := dir + "/vectors.gob"
	require.NoError(t, idx.Save(path))

	loaded := NewIVFPQIndex(4)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 2, loaded.Stats().Count)
}
