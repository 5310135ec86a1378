package oracle

import (
	"errors"
	"sync"

	"github.com/betbot/perpsim/internal/domain"
)

// ErrStalePrice 缓存缺失或样本超出 TTL
var ErrStalePrice = errors.New("stale price")

// PriceCache symbol → 最新 OracleSample，按虚拟时间 TTL 判定。
// 单写（OracleAgent），多读（策略、keeper、清算、网关）。
type PriceCache struct {
	mu         sync.RWMutex
	samples    map[domain.Symbol]domain.OracleSample
	durationNS uint64
}

// NewPriceCache 创建价格缓存；durationNS 为样本有效时长
func NewPriceCache(durationNS uint64) *PriceCache {
	return &PriceCache{
		samples:    make(map[domain.Symbol]domain.OracleSample),
		durationNS: durationNS,
	}
}

// Put 写入样本。乱序样本（publish_ns 不高于已有值）被丢弃，返回 false。
func (c *PriceCache) Put(sample domain.OracleSample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.samples[sample.Symbol]; ok && sample.PublishNS <= prev.PublishNS {
		return false
	}
	c.samples[sample.Symbol] = sample
	return true
}

// Get 读取样本；缺失或超过 TTL 返回 ErrStalePrice
func (c *PriceCache) Get(symbol domain.Symbol, nowNS uint64) (domain.OracleSample, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.samples[symbol]
	if !ok {
		return domain.OracleSample{}, ErrStalePrice
	}
	if s.Expired(nowNS, c.durationNS) {
		return domain.OracleSample{}, ErrStalePrice
	}
	return s, nil
}

// Mid 便捷读取中间价
func (c *PriceCache) Mid(symbol domain.Symbol, nowNS uint64) (domain.Price, error) {
	s, err := c.Get(symbol, nowNS)
	if err != nil {
		return 0, err
	}
	return s.Mid(), nil
}
