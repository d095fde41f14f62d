package loadbalancer

import (
	"fmt"
	"slices"
	"sync"

	"github.com/edgequota/edgegate/internal/config"
)

// Pool is the instance set of one service. The instance list is guarded by
// mu and handed out as copies.
type Pool struct {
	name string

	mu        sync.RWMutex
	algorithm config.Algorithm
	sticky    bool
	strategy  Strategy
	instances []*Instance
}

// NewPool builds a pool from a validated service config.
func NewPool(svc config.ServiceConfig) (*Pool, error) {
	p := &Pool{
		name:      svc.Name,
		algorithm: svc.Algorithm,
		sticky:    svc.StickySessions,
		strategy:  NewStrategy(svc.Algorithm),
	}
	for _, ic := range svc.Instances {
		in, err := NewInstance(ic)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		if err := p.Add(in); err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}
	return p, nil
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Algorithm() config.Algorithm {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.algorithm
}

func (p *Pool) Sticky() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sticky
}

// Configure swaps the selection algorithm and sticky flag.
func (p *Pool) Configure(alg config.Algorithm, sticky bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alg != p.algorithm {
		p.algorithm = alg
		p.strategy = NewStrategy(alg)
	}
	p.sticky = sticky
}

// Instances returns a copy of the instance list in insertion order.
func (p *Pool) Instances() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.instances)
}

// Healthy returns the healthy instances in insertion order.
func (p *Pool) Healthy() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Instance, 0, len(p.instances))
	for _, in := range p.instances {
		if in.Healthy() {
			out = append(out, in)
		}
	}
	return out
}

// Counts returns the number of healthy and total instances.
func (p *Pool) Counts() (healthy, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, in := range p.instances {
		if in.Healthy() {
			healthy++
		}
	}
	return healthy, len(p.instances)
}

func (p *Pool) Get(id string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, in := range p.instances {
		if in.ID == id {
			return in, true
		}
	}
	return nil, false
}

// Add appends in. Ids are unique within a pool.
func (p *Pool) Add(in *Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range p.instances {
		if cur.ID == in.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateInstance, in.ID)
		}
	}
	p.instances = append(p.instances, in)
	return nil
}

// Remove deletes the instance with id. The last instance cannot be removed.
func (p *Pool) Remove(id string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := slices.IndexFunc(p.instances, func(in *Instance) bool { return in.ID == id })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if len(p.instances) == 1 {
		return nil, ErrLastInstance
	}
	in := p.instances[idx]
	p.instances = slices.Delete(slices.Clone(p.instances), idx, idx+1)
	return in, nil
}

// pick runs the pool strategy over healthy.
func (p *Pool) pick(healthy []*Instance, rc RequestContext) *Instance {
	p.mu.RLock()
	s := p.strategy
	p.mu.RUnlock()
	return s.Pick(healthy, rc)
}
