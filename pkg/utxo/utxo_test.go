package utxo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timecoin/timecoin/pkg/block"
)

const (
	addrAlice = "TIME1alice00000000000000000000000000000000"
	addrBob   = "TIME1bob0000000000000000000000000000000000"
)

func mkUTXO(txid string, index uint32, amount uint64, address string) *UTXO {
	return &UTXO{
		OutPoint: block.OutPoint{TxID: txid, Index: index},
		Output:   &block.TxOutput{Amount: amount, Address: address},
		Height:   1,
	}
}

func TestSetAddSpendBalance(t *testing.T) {
	s := NewSet()
	txid := strings.Repeat("a", 64)

	require.NoError(t, s.Add(mkUTXO(txid, 0, 50, addrAlice)))
	require.NoError(t, s.Add(mkUTXO(txid, 1, 30, addrAlice)))
	require.NoError(t, s.Add(mkUTXO(txid, 2, 20, addrBob)))

	assert.Equal(t, uint64(80), s.Balance(addrAlice))
	assert.Equal(t, uint64(20), s.Balance(addrBob))
	assert.Equal(t, 3, s.Count())

	spent := s.Spend(block.OutPoint{TxID: txid, Index: 0})
	require.NotNil(t, spent)
	assert.Equal(t, uint64(50), spent.Output.Amount)
	assert.Equal(t, uint64(30), s.Balance(addrAlice))

	assert.Nil(t, s.Spend(block.OutPoint{TxID: txid, Index: 0}),
		"an outpoint can be spent only once")
}

func TestSetRejectsDuplicateOutPoint(t *testing.T) {
	s := NewSet()
	txid := strings.Repeat("a", 64)
	require.NoError(t, s.Add(mkUTXO(txid, 0, 50, addrAlice)))
	assert.Error(t, s.Add(mkUTXO(txid, 0, 50, addrAlice)))
}

func TestSetUTXOsByAddressSorted(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(mkUTXO(strings.Repeat("b", 64), 0, 10, addrAlice)))
	require.NoError(t, s.Add(mkUTXO(strings.Repeat("a", 64), 1, 20, addrAlice)))
	require.NoError(t, s.Add(mkUTXO(strings.Repeat("c", 64), 0, 30, addrBob)))

	utxos := s.UTXOsByAddress(addrAlice)
	require.Len(t, utxos, 2)
	assert.True(t, utxos[0].OutPoint.String() < utxos[1].OutPoint.String())
}

func TestSetCloneIsIndependent(t *testing.T) {
	s := NewSet()
	txid := strings.Repeat("a", 64)
	require.NoError(t, s.Add(mkUTXO(txid, 0, 50, addrAlice)))

	clone := s.Clone()
	clone.Spend(block.OutPoint{TxID: txid, Index: 0})

	assert.Equal(t, uint64(50), s.Balance(addrAlice))
	assert.Equal(t, uint64(0), clone.Balance(addrAlice))
}

func TestSetRestore(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(mkUTXO(strings.Repeat("a", 64), 0, 50, addrAlice)))
	require.NoError(t, s.Add(mkUTXO(strings.Repeat("b", 64), 0, 25, addrBob)))

	restored := NewSet()
	restored.Restore(s.All())

	assert.Equal(t, s.Count(), restored.Count())
	assert.Equal(t, s.Balance(addrAlice), restored.Balance(addrAlice))
	assert.Equal(t, s.Balance(addrBob), restored.Balance(addrBob))
}
