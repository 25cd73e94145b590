package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	until := fixedTime.Add(time.Minute)

	ok, err := s.AcquireLease(ctx, "drain", "p1", fixedTime, until)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "drain", "p2", fixedTime, until)
	require.NoError(t, err)
	assert.False(t, ok, "held by p1")

	ok, err = s.AcquireLease(ctx, "drain", "p1", fixedTime.Add(30*time.Second), until.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	ok, err = s.AcquireLease(ctx, "other", "p2", fixedTime, until)
	require.NoError(t, err)
	assert.True(t, ok, "leases are independent by name")
}

func TestAcquireLease_Expired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "drain", "crashed", fixedTime, fixedTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLease(ctx, "drain", "p2", fixedTime.Add(time.Minute), fixedTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	until := fixedTime.Add(time.Hour)

	ok, err := s.AcquireLease(ctx, "drain", "p1", fixedTime, until)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "drain", "p2"))
	ok, err = s.AcquireLease(ctx, "drain", "p2", fixedTime, until)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder releases")

	require.NoError(t, s.ReleaseLease(ctx, "drain", "p1"))
	ok, err = s.AcquireLease(ctx, "drain", "p2", fixedTime, until)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLease_AcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	until := fixedTime.Add(time.Minute)
	ok, err := s1.AcquireLease(ctx, "drain", "p1", fixedTime, until)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s2.AcquireLease(ctx, "drain", "p2", fixedTime, until)
	require.NoError(t, err)
	assert.False(t, ok)
}
