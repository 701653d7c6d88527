package snowflake

import (
	"fmt"
	"sync"
	"time"
)

// Message ids are time-ordered so a session's rows sort chronologically.
// Layout: 41 bits of milliseconds since epoch, 10 bits of node, 12 bits of
// per-millisecond sequence.
const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu   sync.Mutex
	last int64
	node int64
	step int64
	now  func() int64
}

// NewNode returns a generator for one gateway instance. Instances sharing a
// store must use distinct node numbers.
func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, fmt.Errorf("node number must be between 0 and %d, got %d", nodeMax, node)
	}
	return &Node{node: node, now: func() int64 { return time.Now().UnixMilli() }}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.last {
		// Clock moved backwards; stay on the last tick.
		now = n.last
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}

	n.last = now
	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time recovers the millisecond the id was generated in.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch)
}
