package trader

import (
	"sort"
	"sync"
	"time"

	"autotrader/exchange"
)

const defaultHistoryLimit = 1000

// OrderManager 跟踪活跃订单与已结束订单，并记录每个交易对的提交时间用于防过度交易
type OrderManager struct {
	mu        sync.Mutex
	active    map[string]*ExecutionRecord
	completed []ExecutionRecord
	failed    []ExecutionRecord
	submitted map[string][]time.Time
	history   int
	limit     int
}

// NewOrderManager limit 为已结束订单保留上限，<=0 时使用默认值
func NewOrderManager(limit int) *OrderManager {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &OrderManager{
		active:    make(map[string]*ExecutionRecord),
		submitted: make(map[string][]time.Time),
		limit:     limit,
	}
}

// Track 记录一笔交易所已受理的订单
func (om *OrderManager) Track(rec ExecutionRecord) {
	om.mu.Lock()
	defer om.mu.Unlock()
	r := rec
	om.active[rec.OrderID] = &r
	om.submitted[rec.Symbol] = append(om.submitted[rec.Symbol], rec.CreatedAt)
	om.history++
}

// RecentSubmissions 统计 symbol 在 since 之后的提交次数，顺便清理过期时间戳
func (om *OrderManager) RecentSubmissions(symbol string, since time.Time) int {
	om.mu.Lock()
	defer om.mu.Unlock()
	stamps := om.submitted[symbol]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(since) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(om.submitted, symbol)
		return 0
	}
	om.submitted[symbol] = kept
	return len(kept)
}

// Get 查询活跃订单
func (om *OrderManager) Get(orderID string) (ExecutionRecord, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()
	rec, ok := om.active[orderID]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

// Active 活跃订单副本，按创建时间排序
func (om *OrderManager) Active() []ExecutionRecord {
	om.mu.Lock()
	defer om.mu.Unlock()
	out := make([]ExecutionRecord, 0, len(om.active))
	for _, rec := range om.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Finish 把订单移出活跃表并归档。订单不在活跃表中时返回 false
func (om *OrderManager) Finish(orderID string, status exchange.OrderStatus, at time.Time) (ExecutionRecord, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()
	rec, ok := om.active[orderID]
	if !ok {
		return ExecutionRecord{}, false
	}
	delete(om.active, orderID)
	rec.Status = status
	rec.CompletedAt = at

	if status == exchange.OrderStatusDone {
		om.completed = appendBounded(om.completed, *rec, om.limit)
	} else {
		om.failed = appendBounded(om.failed, *rec, om.limit)
	}
	return *rec, true
}

// Completed 最近成交的订单，最新的在最后
func (om *OrderManager) Completed() []ExecutionRecord {
	om.mu.Lock()
	defer om.mu.Unlock()
	return append([]ExecutionRecord(nil), om.completed...)
}

// HistoryCount 累计受理的订单数
func (om *OrderManager) HistoryCount() int {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.history
}

// Summary 订单概览
func (om *OrderManager) Summary() OrderSummary {
	om.mu.Lock()
	defer om.mu.Unlock()
	ids := make([]string, 0, len(om.active))
	for id := range om.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return OrderSummary{
		ActiveOrders:    len(om.active),
		CompletedOrders: len(om.completed),
		FailedOrders:    len(om.failed),
		ActiveOrderIDs:  ids,
		TotalOrders:     len(om.active) + len(om.completed) + len(om.failed),
	}
}

func appendBounded(list []ExecutionRecord, rec ExecutionRecord, limit int) []ExecutionRecord {
	list = append(list, rec)
	if len(list) > limit {
		list = append([]ExecutionRecord(nil), list[len(list)-limit:]...)
	}
	return list
}
