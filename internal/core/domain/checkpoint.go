package domain

import "time"

// Checkpoint is the last block number fully processed for a network.
type Checkpoint struct {
	Network     string    `json:"network"`
	BlockNumber uint64    `json:"block_number"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FetchRange is an inclusive block range computed fresh on every tick.
type FetchRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range, 0 when To < From.
func (r FetchRange) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Empty reports whether the range holds no blocks.
func (r FetchRange) Empty() bool {
	return r.To < r.From
}

// Numbers expands the range into its block numbers in ascending order.
func (r FetchRange) Numbers() []uint64 {
	n := r.Len()
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.From+i)
	}
	return out
}
