package marketmaker

import "fmt"

const ID = "market_maker"

// Config 做市（OI 平衡器）配置
type Config struct {
	OrderSizeTokens    float64 `yaml:"orderSizeTokens" json:"orderSizeTokens"`       // 单笔数量（token）
	Leverage           uint32  `yaml:"leverage" json:"leverage"`                     // 杠杆
	ImbalanceThreshold float64 `yaml:"imbalanceThreshold" json:"imbalanceThreshold"` // 失衡阈值 |Δ|/total，默认 0.10
	MaxExposureUSD     float64 `yaml:"maxExposureUsd" json:"maxExposureUsd"`         // 单侧最大敞口（USD，0 = 不限）
	WakeIntervalMS     uint64  `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// Defaults 填默认值
func (c *Config) Defaults() {
	if c.OrderSizeTokens == 0 {
		c.OrderSizeTokens = 1
	}
	if c.Leverage == 0 {
		c.Leverage = 2
	}
	if c.ImbalanceThreshold == 0 {
		c.ImbalanceThreshold = 0.10
	}
	if c.WakeIntervalMS == 0 {
		c.WakeIntervalMS = 1000
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.OrderSizeTokens <= 0 {
		return fmt.Errorf("orderSizeTokens 必须 > 0")
	}
	if c.ImbalanceThreshold <= 0 || c.ImbalanceThreshold >= 1 {
		return fmt.Errorf("imbalanceThreshold 必须在 (0, 1) 范围内")
	}
	return nil
}
