package producer

import (
	"fmt"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/masternode"
)

// TopMasternode returns the canonical coinbase recipient: the active
// masternode with the highest total weight, ties broken by the
// lexicographically smallest id. Every producer applies this rule to the
// same sorted input and lands on the same node.
func TopMasternode(nodes []*masternode.Masternode, weights map[string]uint64) *masternode.Masternode {
	var top *masternode.Masternode
	for _, mn := range nodes {
		if top == nil {
			top = mn
			continue
		}
		w, tw := weights[mn.ID], weights[top.ID]
		if w > tw || (w == tw && mn.ID < top.ID) {
			top = mn
		}
	}
	return top
}

// SplitRewards divides the reward pool across the active masternode set by
// weight. Each share is floor(pool * weight / totalWeight); the integer
// remainder goes to the canonical top masternode, whose output comes
// first. The remaining outputs follow in id order. Pure function; the
// rounding rule is consensus-critical.
func SplitRewards(pool uint64, nodes []*masternode.Masternode, weights map[string]uint64) ([]*block.TxOutput, *masternode.Masternode, error) {
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("no active masternodes to reward")
	}

	var totalWeight uint64
	for _, mn := range nodes {
		totalWeight += weights[mn.ID]
	}
	if totalWeight == 0 {
		return nil, nil, fmt.Errorf("total masternode weight is zero")
	}

	top := TopMasternode(nodes, weights)

	shares := make(map[string]uint64, len(nodes))
	var distributed uint64
	for _, mn := range nodes {
		share := pool * weights[mn.ID] / totalWeight
		shares[mn.ID] = share
		distributed += share
	}
	shares[top.ID] += pool - distributed

	outputs := make([]*block.TxOutput, 0, len(nodes))
	if shares[top.ID] > 0 {
		outputs = append(outputs, &block.TxOutput{
			Amount:  shares[top.ID],
			Address: top.RewardAddress,
		})
	}
	for _, mn := range nodes {
		if mn.ID == top.ID || shares[mn.ID] == 0 {
			continue
		}
		outputs = append(outputs, &block.TxOutput{
			Amount:  shares[mn.ID],
			Address: mn.RewardAddress,
		})
	}
	return outputs, top, nil
}
