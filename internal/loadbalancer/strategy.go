package loadbalancer

import (
	"hash/fnv"
	"math/rand/v2"
	"sync/atomic"

	"github.com/edgequota/edgegate/internal/config"
)

// RequestContext is what a strategy may use from the request.
type RequestContext struct {
	ClientIP   string
	SessionKey string
}

// Strategy picks one instance from a non-empty list of healthy instances.
type Strategy interface {
	Pick(healthy []*Instance, rc RequestContext) *Instance
}

// NewStrategy returns the strategy for alg. Unknown algorithms fall back to
// round robin.
func NewStrategy(alg config.Algorithm) Strategy {
	switch alg {
	case config.AlgorithmWeightedRoundRobin:
		return weightedRoundRobin{}
	case config.AlgorithmLeastConnections:
		return leastConnections{}
	case config.AlgorithmIPHash:
		return ipHash{}
	case config.AlgorithmFastestResponse:
		return fastestResponse{}
	case config.AlgorithmRandom:
		return random{}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	next atomic.Uint64
}

func (s *roundRobin) Pick(healthy []*Instance, _ RequestContext) *Instance {
	n := s.next.Add(1) - 1
	return healthy[n%uint64(len(healthy))]
}

// weightedRoundRobin draws in [0, totalWeight) and walks cumulative weights.
type weightedRoundRobin struct{}

func (weightedRoundRobin) Pick(healthy []*Instance, _ RequestContext) *Instance {
	total := 0
	for _, in := range healthy {
		total += in.Weight
	}
	if total <= 0 {
		return healthy[rand.IntN(len(healthy))]
	}
	r := rand.IntN(total)
	cum := 0
	for _, in := range healthy {
		cum += in.Weight
		if cum > r {
			return in
		}
	}
	return healthy[len(healthy)-1]
}

// leastConnections picks the minimum active count; ties go to list order.
type leastConnections struct{}

func (leastConnections) Pick(healthy []*Instance, _ RequestContext) *Instance {
	best := healthy[0]
	lowest := best.ActiveConnections()
	for _, in := range healthy[1:] {
		if c := in.ActiveConnections(); c < lowest {
			best, lowest = in, c
		}
	}
	return best
}

type ipHash struct{}

func (ipHash) Pick(healthy []*Instance, rc RequestContext) *Instance {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rc.ClientIP))
	return healthy[h.Sum32()%uint32(len(healthy))]
}

// fastestResponse picks the minimum last observed latency; ties go to list
// order. Instances never measured report zero and are tried first.
type fastestResponse struct{}

func (fastestResponse) Pick(healthy []*Instance, _ RequestContext) *Instance {
	best := healthy[0]
	lowest := best.LastResponseTime()
	for _, in := range healthy[1:] {
		if d := in.LastResponseTime(); d < lowest {
			best, lowest = in, d
		}
	}
	return best
}

type random struct{}

func (random) Pick(healthy []*Instance, _ RequestContext) *Instance {
	return healthy[rand.IntN(len(healthy))]
}
