package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/betbot/perpsim/internal/domain"
)

// ConfigError 启动期致命配置错误（退出码 1）
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func errf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LatencyConfig 消息投递延迟模型
type LatencyConfig struct {
	NetworkMS uint64 `yaml:"networkMs" json:"networkMs"`
	ComputeMS uint64 `yaml:"computeMs" json:"computeMs"`
}

// OracleConfig 预言机配置
type OracleConfig struct {
	Provider        string                       `yaml:"provider" json:"provider"` // synthetic | hermes | replay
	WakeIntervalMS  uint64                       `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
	CacheDurationMS uint64                       `yaml:"cacheDurationMs" json:"cacheDurationMs"`
	Endpoint        string                       `yaml:"endpoint" json:"endpoint"`
	Feeds           map[domain.Symbol]string     `yaml:"feeds" json:"feeds"`           // hermes feed id
	BasePrices      map[domain.Symbol]float64    `yaml:"basePrices" json:"basePrices"` // synthetic 起始价
}

// ChainConfig 链侧配置
type ChainConfig struct {
	Backend               string `yaml:"backend" json:"backend"` // embedded | rpc
	Endpoint              string `yaml:"endpoint" json:"endpoint"`
	BaseGas               uint64 `yaml:"baseGas" json:"baseGas"`
	SubmissionConcurrency int    `yaml:"submissionConcurrency" json:"submissionConcurrency"`
	SkipDeposits          bool   `yaml:"skipDeposits" json:"skipDeposits"`
	FeeBps                int64  `yaml:"feeBps" json:"feeBps"`
	Mnemonic              string `yaml:"mnemonic" json:"mnemonic"` // 为空则从环境变量读取
}

// MarketConfig 单市场配置
type MarketConfig struct {
	Symbol              domain.Symbol `yaml:"symbol" json:"symbol"`
	TokenDecimals       uint8         `yaml:"tokenDecimals" json:"tokenDecimals"`
	MinTokens           float64       `yaml:"minTokens" json:"minTokens"`
	InitialLiquidityUSD float64       `yaml:"initialLiquidityUsd" json:"initialLiquidityUsd"`
	MaintenanceMarginF  string        `yaml:"maintenanceMarginF" json:"maintenanceMarginF"`
	ImpactCapBps        int64         `yaml:"impactCapBps" json:"impactCapBps"`
	ForceCloseFallback  bool          `yaml:"forceCloseFallback" json:"forceCloseFallback"`
}

// AgentConfig 策略实例（discriminated union：strategy 字段选择分支，
// options 的合法键由对应策略定义，未知键在装配时拒绝）
type AgentConfig struct {
	Name                 string        `yaml:"name" json:"name"`
	Strategy             string        `yaml:"strategy" json:"strategy"`
	Symbol               domain.Symbol `yaml:"symbol" json:"symbol"`
	InitialCollateralUSD float64       `yaml:"initialCollateralUsd" json:"initialCollateralUsd"`
	StartDelayMS         uint64        `yaml:"startDelayMs" json:"startDelayMs"`
	Options              *yaml.Node    `yaml:"options" json:"options"`
}

// KeeperConfig keeper 开关
type KeeperConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	WakeIntervalMS uint64 `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
}

// LiquidationConfig 清算开关
type LiquidationConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	WakeIntervalMS uint64 `yaml:"wakeIntervalMs" json:"wakeIntervalMs"`
	MMF            string `yaml:"mmf" json:"mmf"`
}

// GatewayConfig HTTP/WS 网关
type GatewayConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// ArchiveConfig badger 事件日志
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

// Scenario 一次仿真运行的完整描述
type Scenario struct {
	Name        string        `yaml:"name" json:"name"`
	Seed        uint64        `yaml:"seed" json:"seed"`
	DurationSec uint64        `yaml:"durationSec" json:"durationSec"`
	TickMS      uint64        `yaml:"tickMs" json:"tickMs"`
	BlockTimeMS uint64        `yaml:"blockTimeMs" json:"blockTimeMs"`
	Latency     LatencyConfig `yaml:"latency" json:"latency"`

	Oracle      OracleConfig      `yaml:"oracle" json:"oracle"`
	Chain       ChainConfig       `yaml:"chain" json:"chain"`
	Markets     []MarketConfig    `yaml:"markets" json:"markets"`
	Keeper      KeeperConfig      `yaml:"keeper" json:"keeper"`
	Liquidation LiquidationConfig `yaml:"liquidation" json:"liquidation"`
	Gateway     GatewayConfig     `yaml:"gateway" json:"gateway"`
	Archive     ArchiveConfig     `yaml:"archive" json:"archive"`
	LogsDir     string            `yaml:"logsDir" json:"logsDir"`

	Agents []AgentConfig `yaml:"agents" json:"agents"`
}

// 固定的系统代理编号；策略代理从 StrategyBaseID 起分配
const (
	ExchangeAgentID    domain.AgentID = 1
	OracleAgentID      domain.AgentID = 2
	KeeperAgentID      domain.AgentID = 3
	LiquidationAgentID domain.AgentID = 4
	HumanAgentID       domain.AgentID = 5
	StrategyBaseID     domain.AgentID = 10
)

// StrategyAgentID 第 i 个策略实例的编号
func StrategyAgentID(index int) domain.AgentID {
	return StrategyBaseID + domain.AgentID(index)
}

// Load 从文件加载场景（.yaml/.yml/.json），未知键拒绝
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errf("scenario", "read %s: %v", path, err)
	}
	return Parse(raw, filepath.Ext(path))
}

// Resolve 按名字在搜索目录中定位场景文件
func Resolve(name string, dirs ...string) (string, error) {
	if len(dirs) == 0 {
		dirs = []string{"scenarios", "."}
	}
	exts := []string{".yaml", ".yml", ".json"}
	var tried []string
	for _, dir := range dirs {
		for _, ext := range exts {
			p := filepath.Join(dir, name+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
			tried = append(tried, p)
		}
	}
	return "", errf("scenario", "%q not found (tried %s)", name, strings.Join(tried, ", "))
}

// Parse 解析并校验
func Parse(raw []byte, ext string) (*Scenario, error) {
	var scn Scenario
	// JSON 是 YAML 的子集，统一走严格 YAML 解码
	_ = ext
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&scn); err != nil {
		return nil, errf("scenario", "parse: %v", err)
	}
	scn.defaults()
	if err := scn.Validate(); err != nil {
		return nil, err
	}
	return &scn, nil
}

func (s *Scenario) defaults() {
	if s.Name == "" {
		s.Name = "unnamed"
	}
	if s.Chain.Backend == "" {
		s.Chain.Backend = "embedded"
	}
	// 对真实链跑实时 tick 没必要快于区块节奏
	if s.TickMS == 0 {
		if s.Chain.Backend == "rpc" {
			s.TickMS = 3000
		} else {
			s.TickMS = 100
		}
	}
	if s.BlockTimeMS == 0 {
		s.BlockTimeMS = 3000
	}
	if s.Oracle.Provider == "" {
		s.Oracle.Provider = "synthetic"
	}
	if s.Oracle.WakeIntervalMS == 0 {
		s.Oracle.WakeIntervalMS = 1000
	}
	if s.Oracle.CacheDurationMS == 0 {
		s.Oracle.CacheDurationMS = 15_000
	}
	if s.Chain.BaseGas == 0 {
		s.Chain.BaseGas = 100_000_000_000
	}
	if s.Chain.FeeBps == 0 {
		s.Chain.FeeBps = 10
	}
	if s.LogsDir == "" {
		s.LogsDir = "logs"
	}
	if s.Gateway.Port == 0 {
		s.Gateway.Port = 8080
	}
}

// Validate 启动期校验：任何问题都是 ConfigError
func (s *Scenario) Validate() error {
	if s.DurationSec == 0 {
		return errf("durationSec", "must be > 0")
	}
	if len(s.Markets) == 0 {
		return errf("markets", "at least one market required")
	}

	symbols := make(map[domain.Symbol]bool, len(s.Markets))
	for i, m := range s.Markets {
		field := fmt.Sprintf("markets[%d]", i)
		if m.Symbol == "" {
			return errf(field, "symbol required")
		}
		if symbols[m.Symbol] {
			return errf(field, "duplicate symbol %s", m.Symbol)
		}
		symbols[m.Symbol] = true
		if m.TokenDecimals > 24 {
			return errf(field, "tokenDecimals must be ≤ 24")
		}
		if m.MinTokens < 0 {
			return errf(field, "minTokens must be ≥ 0")
		}
		if m.MaintenanceMarginF != "" {
			if _, err := decimal.NewFromString(m.MaintenanceMarginF); err != nil {
				return errf(field, "maintenanceMarginF: %v", err)
			}
		}
	}

	switch s.Oracle.Provider {
	case "synthetic":
		for sym := range symbols {
			if _, ok := s.Oracle.BasePrices[sym]; !ok {
				return errf("oracle.basePrices", "missing base price for %s", sym)
			}
		}
	case "hermes":
		if s.Oracle.Endpoint == "" {
			return errf("oracle.endpoint", "required for hermes provider")
		}
		for sym := range symbols {
			if _, ok := s.Oracle.Feeds[sym]; !ok {
				return errf("oracle.feeds", "missing feed id for %s", sym)
			}
		}
	case "replay":
		// 轨迹由测试代码注入
	default:
		return errf("oracle.provider", "unknown provider %q", s.Oracle.Provider)
	}

	switch s.Chain.Backend {
	case "embedded":
	case "rpc":
		if s.Chain.Endpoint == "" {
			return errf("chain.endpoint", "required for rpc backend")
		}
	default:
		return errf("chain.backend", "unknown backend %q", s.Chain.Backend)
	}

	names := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.Strategy == "" {
			return errf(field, "strategy required")
		}
		if a.Name == "" {
			return errf(field, "name required")
		}
		if names[a.Name] {
			return errf(field, "duplicate agent name %q", a.Name)
		}
		names[a.Name] = true
		if a.Symbol == "" {
			return errf(field, "symbol required")
		}
		if !symbols[a.Symbol] {
			return errf(field, "unresolvable symbol %s", a.Symbol)
		}
	}
	return nil
}

// MarketSpecs 转为领域市场参数
func (s *Scenario) MarketSpecs() []domain.MarketSpec {
	out := make([]domain.MarketSpec, 0, len(s.Markets))
	for _, m := range s.Markets {
		mmf := decimal.RequireFromString("0.01")
		if m.MaintenanceMarginF != "" {
			mmf = decimal.RequireFromString(m.MaintenanceMarginF)
		}
		capBps := m.ImpactCapBps
		if capBps == 0 {
			capBps = 500
		}
		out = append(out, domain.MarketSpec{
			Symbol:             m.Symbol,
			TokenDecimals:      m.TokenDecimals,
			MinTokens:          m.MinTokens,
			InitialLiquidity:   domain.USDFromDecimal(m.InitialLiquidityUSD),
			MaintenanceMarginF: mmf,
			ImpactCapBps:       capBps,
			ForceCloseFallback: m.ForceCloseFallback,
		})
	}
	return out
}

// Symbols 全部市场 symbol
func (s *Scenario) Symbols() []domain.Symbol {
	out := make([]domain.Symbol, 0, len(s.Markets))
	for _, m := range s.Markets {
		out = append(out, m.Symbol)
	}
	return out
}

// InitialDeposits 账户 → 初始入金
func (s *Scenario) InitialDeposits() map[domain.AgentID]domain.USD {
	out := make(map[domain.AgentID]domain.USD, len(s.Agents))
	for i, a := range s.Agents {
		if a.InitialCollateralUSD > 0 {
			out[StrategyAgentID(i)] = domain.USDFromDecimal(a.InitialCollateralUSD)
		}
	}
	return out
}

// AllAccounts 地址簿需要的全部账户（系统代理 + 策略）
func (s *Scenario) AllAccounts() []domain.AgentID {
	out := []domain.AgentID{ExchangeAgentID, KeeperAgentID, LiquidationAgentID, HumanAgentID}
	for i := range s.Agents {
		out = append(out, StrategyAgentID(i))
	}
	return out
}
