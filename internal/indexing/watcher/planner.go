package watcher

import "github.com/vietddude/blockwatch/internal/core/domain"

// Plan is the outcome of range computation for one tick.
type Plan struct {
	Latest uint64 // reported chain head
	Safe   uint64 // latest - confirmations
	Start  uint64 // checkpoint the range starts after (virtual on first run)

	Range   domain.FetchRange // blocks to fetch; empty means no-op
	Skipped domain.FetchRange // blocks dropped by the catch-up window
}

// PlanRange computes the block range of one tick.
//
// Without a checkpoint the range starts max_past blocks behind latest. The range ends at
// latest - confirmations and never holds more than maxPast blocks; older blocks go to Skipped.
func PlanRange(checkpoint uint64, hasCheckpoint bool, latest, confirmations, maxPast uint64) Plan {
	if maxPast == 0 {
		maxPast = 1
	}

	p := Plan{Latest: latest}
	if latest >= confirmations {
		p.Safe = latest - confirmations
	}

	p.Start = checkpoint
	if !hasCheckpoint {
		p.Start = 0
		if latest > maxPast {
			p.Start = latest - maxPast
		}
	}

	// Empty range: To < From.
	p.Range = domain.FetchRange{From: 1, To: 0}
	p.Skipped = domain.FetchRange{From: 1, To: 0}

	if latest < confirmations || p.Safe <= p.Start {
		return p
	}

	from, to := p.Start+1, p.Safe
	if to-from+1 > maxPast {
		clipped := to - maxPast + 1
		p.Skipped = domain.FetchRange{From: from, To: clipped - 1}
		from = clipped
	}
	p.Range = domain.FetchRange{From: from, To: to}
	return p
}
