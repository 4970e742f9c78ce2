package selector

import "github.com/surf-session-core/internal/types"

// pickFunc chooses one proxy from a non-empty pool. Called with s.mu held.
type pickFunc func(s *Selector, pool []types.Proxy) types.Proxy

var strategies = map[types.RotationStrategy]pickFunc{
	types.StrategyRandom:     pickRandom,
	types.StrategyRoundRobin: pickRoundRobin,
	types.StrategyLeastUsed:  pickLeastUsed,
	types.StrategyFastest:    pickFastest,
	types.StrategyGeoBased:   pickGeoBased,
}

// Strategies lists the supported rotation strategies
func Strategies() []types.RotationStrategy {
	return []types.RotationStrategy{
		types.StrategyRandom,
		types.StrategyRoundRobin,
		types.StrategyLeastUsed,
		types.StrategyFastest,
		types.StrategyGeoBased,
	}
}

func pickFirst(_ *Selector, pool []types.Proxy) types.Proxy {
	return pool[0]
}

func pickRandom(s *Selector, pool []types.Proxy) types.Proxy {
	return pool[s.intn(len(pool))]
}

// pickRoundRobin uses one cursor shared by every session and every pool.
// Sessions with different geo filters therefore advance the same index.
func pickRoundRobin(s *Selector, pool []types.Proxy) types.Proxy {
	p := pool[s.cursor%len(pool)]
	s.cursor++
	return p
}

// pickLeastUsed returns the lowest global usage count; the first one seen wins ties
func pickLeastUsed(s *Selector, pool []types.Proxy) types.Proxy {
	best := pool[0]
	lowest := s.usage[best.ID]
	for _, p := range pool[1:] {
		if n := s.usage[p.ID]; n < lowest {
			best, lowest = p, n
		}
	}
	return best
}

// pickFastest returns the lowest measured speed, or the first proxy when none is measured
func pickFastest(_ *Selector, pool []types.Proxy) types.Proxy {
	var best *types.Proxy
	for i := range pool {
		p := &pool[i]
		if p.Speed == nil {
			continue
		}
		if best == nil || *p.Speed < *best.Speed {
			best = p
		}
	}
	if best == nil {
		return pool[0]
	}
	return *best
}

// pickGeoBased prefers residential proxies from the already geo-filtered pool
func pickGeoBased(s *Selector, pool []types.Proxy) types.Proxy {
	var residential []types.Proxy
	for _, p := range pool {
		if p.IsResidential {
			residential = append(residential, p)
		}
	}
	if len(residential) > 0 {
		return pickRandom(s, residential)
	}
	return pickRandom(s, pool)
}
