package pool

import "github.com/oriys/lattice/internal/metrics"

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Busy     int    `json:"busy"`
	Idle     int    `json:"idle"`
	InFlight int    `json:"in_flight"`
	Min      int    `json:"min"`
	Max      int    `json:"max"`
}

// Stats returns the current pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool[C]) statsLocked() Stats {
	s := Stats{Name: p.cfg.Name, Size: len(p.conns), Min: p.cfg.Min, Max: p.cfg.Max}
	for _, e := range p.conns {
		s.InFlight += e.inflight
		if e.inflight > 0 {
			s.Busy++
		} else {
			s.Idle++
		}
	}
	return s
}

// report publishes the pool gauges. Close removes them, after which nothing
// is published.
func (p *Pool[C]) report() {
	if p.cfg.Name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	s := p.statsLocked()
	metrics.SetPoolSize(p.cfg.Name, s.Idle, s.Busy)
}
