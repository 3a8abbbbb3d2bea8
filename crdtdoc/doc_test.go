package crdtdoc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawNum(v float64) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestCommitSetsVersionVectorAndFrontier(t *testing.T) {
	d := NewDoc(1)

	var tx Tx
	tx.CreateNode("n1", "cube", d.Root(), 0)
	tx.SetAttr("n1", "size", rawNum(2))

	u, raw, err := d.Commit(&tx)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.Equal(t, PeerID(1), u.Change.Peer)
	assert.Equal(t, uint64(0), u.Change.Counter)
	assert.Equal(t, uint64(2), u.Change.Length)

	vv := d.VersionVector()
	assert.Equal(t, uint64(2), vv[1])

	front := d.Frontier()
	require.Len(t, front, 1)
	assert.Equal(t, OpID{Peer: 1, Counter: 1}, front[0])
}

func TestCommitEmptyTxIsNoop(t *testing.T) {
	d := NewDoc(1)
	var tx Tx
	u, raw, err := d.Commit(&tx)
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, Update{}, u)
}

func TestImportUpdateIsIdempotent(t *testing.T) {
	d1 := NewDoc(1)
	var tx Tx
	tx.CreateNode("n1", "cube", d1.Root(), 0)
	_, raw, err := d1.Commit(&tx)
	require.NoError(t, err)

	d2 := NewDoc(2)
	require.NoError(t, d2.ImportUpdate(raw))
	require.NoError(t, d2.ImportUpdate(raw)) // re-delivery must not double-apply

	vv := d2.VersionVector()
	assert.Equal(t, uint64(1), vv[1])
}

func TestTwoReplicasConverge(t *testing.T) {
	d1 := NewDoc(1)
	d2 := NewDoc(2)

	var tx1 Tx
	tx1.CreateNode("a", "cube", d1.Root(), 0)
	_, raw1, err := d1.Commit(&tx1)
	require.NoError(t, err)

	var tx2 Tx
	tx2.CreateNode("b", "sphere", d2.Root(), 0)
	_, raw2, err := d2.Commit(&tx2)
	require.NoError(t, err)

	require.NoError(t, d1.ImportUpdate(raw2))
	require.NoError(t, d2.ImportUpdate(raw1))

	assert.Equal(t, d1.VersionVector(), d2.VersionVector())

	snap1, err := d1.Snapshot()
	require.NoError(t, err)
	snap2, err := d2.Snapshot()
	require.NoError(t, err)

	replay := NewDoc(3)
	require.NoError(t, replay.ImportSnapshot(snap1))
	assert.Equal(t, d1.VersionVector()[1], replay.VersionVector()[1])
	assert.Equal(t, d1.VersionVector()[2], replay.VersionVector()[2])
	_ = snap2
}

func TestDeltaSinceAndApplyDelta(t *testing.T) {
	d1 := NewDoc(1)
	var tx1 Tx
	tx1.CreateNode("a", "cube", d1.Root(), 0)
	_, _, err := d1.Commit(&tx1)
	require.NoError(t, err)

	var tx2 Tx
	tx2.SetAttr("a", "size", rawNum(3))
	_, _, err = d1.Commit(&tx2)
	require.NoError(t, err)

	d2 := NewDoc(2)
	delta, err := d1.DeltaSince(d2.VersionVector())
	require.NoError(t, err)
	require.NotEmpty(t, delta)

	require.NoError(t, d2.ApplyDelta(delta))
	assert.Equal(t, d1.VersionVector()[1], d2.VersionVector()[1])

	// Nothing new: delta should be empty.
	delta2, err := d1.DeltaSince(d2.VersionVector())
	require.NoError(t, err)
	assert.Empty(t, delta2)
}

func TestForkAtReconstructsHistoricalState(t *testing.T) {
	d := NewDoc(1)

	var tx1 Tx
	tx1.CreateNode("a", "cube", d.Root(), 0)
	_, _, err := d.Commit(&tx1)
	require.NoError(t, err)

	front := d.Frontier()

	var tx2 Tx
	tx2.CreateNode("b", "sphere", d.Root(), 0)
	_, _, err = d.Commit(&tx2)
	require.NoError(t, err)

	fork, err := d.ForkAt(front)
	require.NoError(t, err)

	vv := fork.VersionVector()
	assert.Equal(t, uint64(1), vv[1])

	finalVV := d.VersionVector()
	assert.Equal(t, uint64(2), finalVV[1])
}

func TestImportUpdateRejectsMalformedBytes(t *testing.T) {
	d := NewDoc(1)
	err := d.ImportUpdate([]byte("not a gob stream"))
	assert.ErrorIs(t, err, ErrDecodeUpdate)
}

func TestDeleteNodeRemovesSubtreeAndChildRef(t *testing.T) {
	d := NewDoc(1)
	var tx Tx
	tx.CreateNode("parent", "group", d.Root(), 0)
	tx.CreateNode("child", "cube", "parent", 0)
	_, _, err := d.Commit(&tx)
	require.NoError(t, err)

	var del Tx
	del.DeleteNode("child")
	_, _, err = d.Commit(&del)
	require.NoError(t, err)

	parent, ok := d.View("parent")
	require.True(t, ok)
	assert.Empty(t, parent.Children)
	assert.ErrorIs(t, applyAttrToMissing(d), ErrNodeNotFound)
}

// applyAttrToMissing attempts to set an attribute on a deleted node,
// exercising the ErrNodeNotFound path directly rather than poking at
// unexported state.
func applyAttrToMissing(d *Doc) error {
	var tx Tx
	tx.SetAttr("child", "size", rawNum(1))
	_, _, err := d.Commit(&tx)
	return err
}

func TestOnUpdateFires(t *testing.T) {
	d := NewDoc(1)
	var got Update
	calls := 0
	d.OnUpdate(func(u Update) {
		calls++
		got = u
	})

	var tx Tx
	tx.CreateNode("a", "cube", d.Root(), 0)
	_, _, err := d.Commit(&tx)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, PeerID(1), got.Change.Peer)
}
