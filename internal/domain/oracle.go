package domain

import "fmt"

// OracleSample 预言机样本
// 不变式：0 ≤ price_min ≤ price_mid ≤ price_max
type OracleSample struct {
	Symbol     Symbol
	PriceMin   Price
	PriceMax   Price
	PriceMid   Price
	PublishNS  uint64 // 提供方发布时间
	ReceivedNS uint64 // 本地接收时间（虚拟时间），用于 TTL 判定
}

// Validate 校验样本不变式
func (s *OracleSample) Validate() error {
	if s.PriceMin < 0 || s.PriceMax < 0 {
		return fmt.Errorf("oracle sample %s: negative price", s.Symbol)
	}
	if s.PriceMin > s.PriceMax {
		return fmt.Errorf("oracle sample %s: min %s > max %s", s.Symbol, s.PriceMin, s.PriceMax)
	}
	if s.PriceMid < s.PriceMin || s.PriceMid > s.PriceMax {
		return fmt.Errorf("oracle sample %s: mid %s outside [min,max]", s.Symbol, s.PriceMid)
	}
	return nil
}

// Mid 返回中间价；PriceMid 未填时取 (min+max)/2
func (s *OracleSample) Mid() Price {
	if s.PriceMid != 0 {
		return s.PriceMid
	}
	return (s.PriceMin + s.PriceMax) / 2
}

// Expired 样本是否超过缓存时长
func (s *OracleSample) Expired(nowNS, cacheDurationNS uint64) bool {
	return nowNS-s.ReceivedNS > cacheDurationNS
}
