package roomstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadSnapshotMissingReturnsErrNoSnapshot(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadSnapshot("room-a")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestAppendUpdateAssignsIncreasingSeq(t *testing.T) {
	s := openTestStore(t)
	seq0, err := s.AppendUpdate("room-a", []byte("u0"))
	require.NoError(t, err)
	seq1, err := s.AppendUpdate("room-a", []byte("u1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq0)
	assert.Equal(t, uint64(1), seq1)

	next, err := s.NextSeq("room-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestHistoryReturnsUpdatesInSequenceOrder(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.AppendUpdate("room-a", []byte{byte(i)})
		require.NoError(t, err)
	}

	hist, err := s.History("room-a")
	require.NoError(t, err)
	require.Len(t, hist, 5)
	for i, rec := range hist {
		assert.Equal(t, uint64(i), rec.Seq)
		assert.Equal(t, []byte{byte(i)}, rec.Payload)
	}
}

func TestCompactClearsWALAndResetsSeq(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendUpdate("room-a", []byte("u0"))
	require.NoError(t, err)
	_, err = s.AppendUpdate("room-a", []byte("u1"))
	require.NoError(t, err)

	require.NoError(t, s.Compact("room-a", []byte("snapshot-bytes")))

	snap, err := s.LoadSnapshot("room-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-bytes"), snap)

	hist, err := s.History("room-a")
	require.NoError(t, err)
	assert.Empty(t, hist)

	next, err := s.NextSeq("room-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

func TestRoomsAreIndependentlyNamespaced(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendUpdate("room-a", []byte("a0"))
	require.NoError(t, err)
	_, err = s.AppendUpdate("room-b", []byte("b0"))
	require.NoError(t, err)

	histA, err := s.History("room-a")
	require.NoError(t, err)
	histB, err := s.History("room-b")
	require.NoError(t, err)
	require.Len(t, histA, 1)
	require.Len(t, histB, 1)
	assert.Equal(t, []byte("a0"), histA[0].Payload)
	assert.Equal(t, []byte("b0"), histB[0].Payload)
}
