package mempool

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/utxo"
)

const (
	addrAlice = "TIME1alice00000000000000000000000000000000"
	addrBob   = "TIME1bob0000000000000000000000000000000000"
)

// fundedView is a UTXO view with one funded outpoint per test transaction.
type fundedView struct {
	set *utxo.Set
}

func newFundedView() *fundedView {
	return &fundedView{set: utxo.NewSet()}
}

func (v *fundedView) Get(op block.OutPoint) *utxo.UTXO { return v.set.Get(op) }

func (v *fundedView) fund(op block.OutPoint, amount uint64) {
	v.set.Add(&utxo.UTXO{Output: &block.TxOutput{Amount: amount, Address: addrAlice}, OutPoint: op})
}

// makeTx builds an ordinary transaction spending the given outpoint.
func makeTx(t *testing.T, prev block.OutPoint, amount uint64, ts int64) *block.Transaction {
	t.Helper()
	tx := &block.Transaction{
		Version: 1,
		Inputs: []*block.TxInput{{
			PrevTxID:  prev.TxID,
			PrevIndex: prev.Index,
			Signature: []byte("sig"),
			PubKey:    []byte("key"),
		}},
		Outputs:   []*block.TxOutput{{Amount: amount, Address: addrBob}},
		Timestamp: ts,
	}
	tx.TxID = tx.ComputeTxID()
	return tx
}

func outpoint(i int) block.OutPoint {
	return block.OutPoint{TxID: strings.Repeat("a", 63) + string(rune('a'+i%26)), Index: uint32(i)}
}

func TestAddAndContains(t *testing.T) {
	mp := NewMempool(DefaultConfig())
	tx := makeTx(t, outpoint(0), 100, 1)

	require.NoError(t, mp.Add(tx))
	assert.True(t, mp.Contains(tx.TxID))
	assert.Equal(t, 1, mp.Count())
	assert.Equal(t, tx.TxID, mp.Get(tx.TxID).TxID)
}

func TestAddRejectsDuplicate(t *testing.T) {
	mp := NewMempool(DefaultConfig())
	tx := makeTx(t, outpoint(0), 100, 1)

	require.NoError(t, mp.Add(tx))
	assert.ErrorIs(t, mp.Add(tx), ErrDuplicate)
}

func TestAddRejectsCoinbaseAndGrant(t *testing.T) {
	mp := NewMempool(DefaultConfig())

	coinbase := &block.Transaction{
		Version:   1,
		Outputs:   []*block.TxOutput{{Amount: 10, Address: addrBob}},
		Timestamp: 1,
	}
	coinbase.TxID = coinbase.ComputeTxID()
	assert.Error(t, mp.Add(coinbase))

	grant := &block.Transaction{
		TxID:      block.GrantTxID("abc", 1),
		Version:   1,
		Outputs:   []*block.TxOutput{{Amount: 10, Address: addrBob}},
		Timestamp: 1,
	}
	assert.Error(t, mp.Add(grant))
}

func TestAddValidatesAgainstUTXOView(t *testing.T) {
	mp := NewMempool(DefaultConfig())
	view := newFundedView()
	mp.SetUTXOView(view)

	orphan := makeTx(t, outpoint(0), 100, 1)
	assert.Error(t, mp.Add(orphan), "unknown input")

	view.fund(outpoint(0), 50)
	overdrawn := makeTx(t, outpoint(0), 100, 1)
	assert.Error(t, mp.Add(overdrawn), "outputs exceed inputs")

	view.fund(outpoint(1), 500)
	ok := makeTx(t, outpoint(1), 100, 1)
	assert.NoError(t, mp.Add(ok))
}

func TestCapacityEviction(t *testing.T) {
	mp := NewMempool(&Config{MaxCount: 2, MaxAge: time.Hour})
	view := newFundedView()
	mp.SetUTXOView(view)

	// Two low-fee entries fill the pool.
	view.fund(outpoint(0), 110)
	view.fund(outpoint(1), 110)
	low1 := makeTx(t, outpoint(0), 100, 1)
	low2 := makeTx(t, outpoint(1), 100, 2)
	require.NoError(t, mp.Add(low1))
	require.NoError(t, mp.Add(low2))

	// A high-fee entry evicts the lowest-priority one.
	view.fund(outpoint(2), 10_000)
	high := makeTx(t, outpoint(2), 100, 3)
	require.NoError(t, mp.Add(high))
	assert.Equal(t, 2, mp.Count())
	assert.True(t, mp.Contains(high.TxID))

	// Another low-fee entry cannot displace higher-priority ones.
	view.fund(outpoint(3), 101)
	lowest := makeTx(t, outpoint(3), 100, 4)
	assert.ErrorIs(t, mp.Add(lowest), ErrFull)
}

func TestSelectOrdersByPriorityThenAge(t *testing.T) {
	mp := NewMempool(DefaultConfig())
	view := newFundedView()
	mp.SetUTXOView(view)

	view.fund(outpoint(0), 200)
	view.fund(outpoint(1), 5_000)
	view.fund(outpoint(2), 200)

	small := makeTx(t, outpoint(0), 100, 1) // fee 100
	large := makeTx(t, outpoint(1), 100, 2) // fee 4900
	other := makeTx(t, outpoint(2), 100, 3) // fee 100

	require.NoError(t, mp.Add(small))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mp.Add(other))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mp.Add(large))

	selected := mp.Select(0)
	require.Len(t, selected, 3)
	assert.Equal(t, large.TxID, selected[0].TxID, "highest priority first")
	assert.Equal(t, small.TxID, selected[1].TxID, "older entry wins the tie")
	assert.Equal(t, other.TxID, selected[2].TxID)

	// Selection does not remove.
	assert.Equal(t, 3, mp.Count())

	capped := mp.Select(1)
	assert.Len(t, capped, 1)
}

func TestSelectPreFinalizedSortedByTxID(t *testing.T) {
	mp := NewMempool(DefaultConfig())

	a := makeTx(t, outpoint(0), 100, 1)
	b := makeTx(t, outpoint(1), 100, 2)
	c := makeTx(t, outpoint(2), 100, 3)

	require.NoError(t, mp.AddPreFinalized(b))
	require.NoError(t, mp.AddPreFinalized(a))
	require.NoError(t, mp.Add(c))

	pre := mp.SelectPreFinalized()
	require.Len(t, pre, 2)
	assert.True(t, pre[0].TxID < pre[1].TxID, "canonical lexicographic order")
}

func TestRemoveAndClear(t *testing.T) {
	mp := NewMempool(DefaultConfig())
	tx := makeTx(t, outpoint(0), 100, 1)
	require.NoError(t, mp.Add(tx))

	assert.True(t, mp.Remove(tx.TxID))
	assert.False(t, mp.Remove(tx.TxID))

	require.NoError(t, mp.Add(tx))
	mp.Clear()
	assert.Equal(t, 0, mp.Count())
}

func TestCleanupStale(t *testing.T) {
	mp := NewMempool(&Config{MaxCount: 100, MaxAge: 10 * time.Millisecond})
	tx := makeTx(t, outpoint(0), 100, 1)
	require.NoError(t, mp.Add(tx))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, mp.CleanupStale())
	assert.Equal(t, 0, mp.Count())
}

func TestSerializeRestore(t *testing.T) {
	mp := NewMempool(DefaultConfig())
	tx := makeTx(t, outpoint(0), 100, 1)
	require.NoError(t, mp.AddPreFinalized(tx))

	data, err := mp.Serialize()
	require.NoError(t, err)

	restored := NewMempool(DefaultConfig())
	count, err := restored.Restore(data)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, restored.Contains(tx.TxID))
	assert.Len(t, restored.SelectPreFinalized(), 1, "pre-finalized flag survives restart")
}

func TestRestoreDiscardsExpired(t *testing.T) {
	mp := NewMempool(&Config{MaxCount: 100, MaxAge: 10 * time.Millisecond})
	tx := makeTx(t, outpoint(0), 100, 1)
	require.NoError(t, mp.Add(tx))

	data, err := mp.Serialize()
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	restored := NewMempool(&Config{MaxCount: 100, MaxAge: 10 * time.Millisecond})
	count, err := restored.Restore(data)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "entries past the age limit are pruned on load")
}
