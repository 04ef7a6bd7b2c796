package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/memory"
)

func TestAppendLoadIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Append(ctx, "k", memory.Entry{Role: "user", Content: "a", CreatedAt: now}))
	loaded, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	// Mutating the returned slice must not affect the store.
	loaded[0].Content = "mutated"
	again, _ := s.Load(ctx, "k")
	assert.Equal(t, "a", again[0].Content)
}

func TestLoadMissingKeyIsEmpty(t *testing.T) {
	s := New()
	loaded, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPrune(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Append(ctx, "k",
		memory.Entry{Content: "old", CreatedAt: now.Add(-48 * time.Hour)},
		memory.Entry{Content: "new", CreatedAt: now},
	))
	removed, err := s.Prune(ctx, "k", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, _ := s.Load(ctx, "k")
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].Content)
}
