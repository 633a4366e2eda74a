package trailingstop

import (
	"sort"
	"sync"
)

type stopRegistry struct {
	mu     sync.RWMutex
	states map[string]*StopLoss
}

func newStopRegistry() *stopRegistry {
	return &stopRegistry{states: make(map[string]*StopLoss)}
}

// set 写入止损。已有未触发的止损时止损价和最高价只取较高者，不会放松
func (r *stopRegistry) set(stop StopLoss) (StopLoss, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := false
	if prev, ok := r.states[stop.Symbol]; ok && prev != nil && !prev.Triggered {
		if prev.StopPrice > stop.StopPrice {
			stop.StopPrice = prev.StopPrice
			kept = true
		}
		stop.HighestPrice = max(stop.HighestPrice, prev.HighestPrice)
		stop.CreatedAt = prev.CreatedAt
	}
	copied := stop
	r.states[stop.Symbol] = &copied
	return stop, kept
}

func (r *stopRegistry) snapshot(symbol string) (StopLoss, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.states[symbol]
	if !ok || info == nil {
		return StopLoss{}, false
	}
	return *info, true
}

// update 在写锁内修改单个止损，返回修改后的副本
func (r *stopRegistry) update(symbol string, fn func(s *StopLoss)) (StopLoss, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.states[symbol]
	if !ok || info == nil {
		return StopLoss{}, false
	}
	fn(info)
	return *info, true
}

func (r *stopRegistry) clear(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[symbol]; !ok {
		return false
	}
	delete(r.states, symbol)
	return true
}

func (r *stopRegistry) symbols() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.states))
	for symbol := range r.states {
		out = append(out, symbol)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *stopRegistry) all() []StopLoss {
	r.mu.RLock()
	out := make([]StopLoss, 0, len(r.states))
	for _, info := range r.states {
		out = append(out, *info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *stopRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// cleanup 删除不在 held 中的止损，返回被删除的交易对
func (r *stopRegistry) cleanup(held map[string]struct{}) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for symbol := range r.states {
		if _, ok := held[symbol]; ok {
			continue
		}
		removed = append(removed, symbol)
		delete(r.states, symbol)
	}
	sort.Strings(removed)
	return removed
}
