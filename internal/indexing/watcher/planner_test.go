package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vietddude/blockwatch/internal/core/domain"
)

func TestPlanRange(t *testing.T) {
	tests := []struct {
		name          string
		checkpoint    uint64
		hasCheckpoint bool
		latest        uint64
		confirmations uint64
		maxPast       uint64
		wantRange     domain.FetchRange
		wantSkipped   uint64
	}{
		{
			name:       "normal advance",
			checkpoint: 100, hasCheckpoint: true,
			latest: 105, confirmations: 2, maxPast: 10,
			wantRange: domain.FetchRange{From: 101, To: 103},
		},
		{
			name:       "nothing confirmed yet",
			checkpoint: 103, hasCheckpoint: true,
			latest: 105, confirmations: 2, maxPast: 10,
			wantRange: domain.FetchRange{From: 1, To: 0},
		},
		{
			name:       "safe height below checkpoint",
			checkpoint: 110, hasCheckpoint: true,
			latest: 105, confirmations: 2, maxPast: 10,
			wantRange: domain.FetchRange{From: 1, To: 0},
		},
		{
			name:       "gap of 20 clipped to 5",
			checkpoint: 100, hasCheckpoint: true,
			latest: 122, confirmations: 2, maxPast: 5,
			wantRange:   domain.FetchRange{From: 116, To: 120},
			wantSkipped: 15,
		},
		{
			name:   "first run starts max past behind head",
			latest: 1000, confirmations: 3, maxPast: 10,
			wantRange: domain.FetchRange{From: 991, To: 997},
		},
		{
			name:   "first run on a young chain",
			latest: 4, confirmations: 1, maxPast: 10,
			wantRange: domain.FetchRange{From: 1, To: 3},
		},
		{
			name:       "chain shorter than confirmations",
			checkpoint: 0, hasCheckpoint: true,
			latest: 1, confirmations: 5, maxPast: 10,
			wantRange: domain.FetchRange{From: 1, To: 0},
		},
		{
			name:       "exactly max past blocks is not clipped",
			checkpoint: 100, hasCheckpoint: true,
			latest: 110, confirmations: 5, maxPast: 5,
			wantRange: domain.FetchRange{From: 101, To: 105},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PlanRange(tt.checkpoint, tt.hasCheckpoint, tt.latest, tt.confirmations, tt.maxPast)
			assert.Equal(t, tt.wantRange.Len(), p.Range.Len())
			if !tt.wantRange.Empty() {
				assert.Equal(t, tt.wantRange, p.Range)
			}
			assert.Equal(t, tt.wantSkipped, p.Skipped.Len())
			assert.LessOrEqual(t, p.Range.Len(), tt.maxPast)
		})
	}
}

func TestPlanRange_SkippedIsContiguousWithRange(t *testing.T) {
	p := PlanRange(100, true, 122, 2, 5)
	assert.Equal(t, uint64(101), p.Skipped.From)
	assert.Equal(t, p.Range.From-1, p.Skipped.To)
}
