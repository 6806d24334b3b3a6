package routing

import (
	"slices"
	"time"

	"github.com/vietddude/blockwatch/internal/infra/rpc/provider"
)

// endpoint is one ranked slot in the pool. Mutable fields are guarded by the manager's mutex.
type endpoint struct {
	provider provider.Provider
	weight   uint32
	order    int // position in configuration, used for tie-breaks

	healthy             bool
	consecutiveFailures uint32
	lastError           string
	lastErrorAt         time.Time
}

// EndpointSpec describes one endpoint handed to NewEndpointManager.
type EndpointSpec struct {
	Provider provider.Provider
	Weight   uint32
}

// rankEndpoints orders endpoints by weight, highest first. Ties keep configuration order.
// Weights define a preference order, not a traffic split.
func rankEndpoints(specs []EndpointSpec) []*endpoint {
	eps := make([]*endpoint, 0, len(specs))
	for i, s := range specs {
		eps = append(eps, &endpoint{
			provider: s.Provider,
			weight:   s.Weight,
			order:    i,
			healthy:  true,
		})
	}
	slices.SortStableFunc(eps, func(a, b *endpoint) int {
		switch {
		case a.weight > b.weight:
			return -1
		case a.weight < b.weight:
			return 1
		default:
			return 0
		}
	})
	return eps
}

// nextUntried returns the first index at or after start (wrapping) not yet tried by this request.
func nextUntried(start int, tried []bool) (int, bool) {
	n := len(tried)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !tried[idx] {
			return idx, true
		}
	}
	return 0, false
}
