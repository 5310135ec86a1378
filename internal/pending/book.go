package pending

import (
	"fmt"
	"sort"
	"sync"

	"github.com/betbot/perpsim/internal/domain"
)

// Book 驻留挂单簿，按 (account, symbol, side) 键入。
// 单写（交易所代理），多读（keeper）；读方使用 tick 开始时的快照。
type Book struct {
	mu      sync.RWMutex
	byKey   map[domain.PositionKey][]string
	byID    map[string]*domain.PendingOrder
	ordered []string // 入簿顺序，快照稳定输出
}

// NewBook 创建挂单簿
func NewBook() *Book {
	return &Book{
		byKey: make(map[domain.PositionKey][]string),
		byID:  make(map[string]*domain.PendingOrder),
	}
}

func keyOf(o *domain.PendingOrder) domain.PositionKey {
	return domain.PositionKey{Account: o.Account, Symbol: o.Symbol, Side: o.Side}
}

// Place 挂单入簿（状态置为 Armed）
func (b *Book) Place(po domain.PendingOrder) error {
	if err := po.Order.Validate(); err != nil {
		return err
	}
	if !po.Kind.NeedsTrigger() {
		return fmt.Errorf("order %s: kind %s cannot rest in the book", po.ClientOrderID, po.Kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.byID[po.ClientOrderID]; dup {
		return fmt.Errorf("order %s already resting", po.ClientOrderID)
	}
	po.State = domain.PendingArmed
	b.byID[po.ClientOrderID] = &po
	key := keyOf(&po)
	b.byKey[key] = append(b.byKey[key], po.ClientOrderID)
	b.ordered = append(b.ordered, po.ClientOrderID)
	return nil
}

// Get 按 client_order_id 查找
func (b *Book) Get(clientID string) (domain.PendingOrder, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	po, ok := b.byID[clientID]
	if !ok {
		return domain.PendingOrder{}, false
	}
	return *po, true
}

// Snapshot 当前全部 Armed 挂单（入簿顺序）
func (b *Book) Snapshot() []domain.PendingOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.PendingOrder, 0, len(b.byID))
	for _, id := range b.ordered {
		if po, ok := b.byID[id]; ok && po.State == domain.PendingArmed {
			out = append(out, *po)
		}
	}
	return out
}

// ByAccount 某账户（可选限定 symbol）的挂单
func (b *Book) ByAccount(account domain.AgentID, symbol domain.Symbol) []domain.PendingOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.PendingOrder
	for _, id := range b.ordered {
		po, ok := b.byID[id]
		if !ok || po.Account != account {
			continue
		}
		if symbol != "" && po.Symbol != symbol {
			continue
		}
		out = append(out, *po)
	}
	return out
}

// MarkTriggered Armed → Triggered；返回挂单副本
func (b *Book) MarkTriggered(clientID string) (domain.PendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.byID[clientID]
	if !ok || po.State != domain.PendingArmed {
		return domain.PendingOrder{}, false
	}
	po.State = domain.PendingTriggered
	return *po, true
}

// Remove 从簿中移除
func (b *Book) Remove(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(clientID)
}

func (b *Book) removeLocked(clientID string) bool {
	po, ok := b.byID[clientID]
	if !ok {
		return false
	}
	delete(b.byID, clientID)
	key := keyOf(po)
	ids := b.byKey[key]
	for i, id := range ids {
		if id == clientID {
			b.byKey[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.byKey[key]) == 0 {
		delete(b.byKey, key)
	}
	for i, id := range b.ordered {
		if id == clientID {
			b.ordered = append(b.ordered[:i], b.ordered[i+1:]...)
			break
		}
	}
	return true
}

// Cancel Armed → Cancelled 并离簿
func (b *Book) Cancel(clientID string) (domain.PendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.byID[clientID]
	if !ok || po.State != domain.PendingArmed {
		return domain.PendingOrder{}, false
	}
	po.State = domain.PendingCancelled
	out := *po
	b.removeLocked(clientID)
	return out, true
}

// ExpireDue 移除 now 之前到期的挂单并返回
func (b *Book) ExpireDue(nowNS uint64) []domain.PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []string
	for id, po := range b.byID {
		if po.State == domain.PendingArmed && po.ExpiredAt(nowNS) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	out := make([]domain.PendingOrder, 0, len(expired))
	for _, id := range expired {
		po := b.byID[id]
		po.State = domain.PendingExpired
		out = append(out, *po)
		b.removeLocked(id)
	}
	return out
}

// Size 驻留挂单数
func (b *Book) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}
