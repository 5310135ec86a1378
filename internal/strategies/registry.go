package strategies

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/exchange"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/oracle"
)

// Deps 策略运行依赖（快照只读视图 + 意图出口）
type Deps struct {
	Exchange    *exchange.Agent
	ExchangeID  domain.AgentID
	Prices      *oracle.PriceCache
	BlockTimeMS uint64
}

// Spawn 一个策略实例的装配参数
type Spawn struct {
	ID      domain.AgentID
	Name    string
	Symbol  domain.Symbol
	Options *yaml.Node // 场景文件中该策略的选项节点（可为 nil）
}

// Factory 策略工厂：从场景选项构建代理
type Factory func(spawn Spawn, deps Deps) (kernel.Agent, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册策略类型。策略在 init() 中调用。
func Register(strategyID string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[strategyID]; exists {
		panic(fmt.Errorf("strategy %s already registered", strategyID))
	}
	registry[strategyID] = factory
}

// Build 按策略名构建代理；未知名称报错（ConfigError）
func Build(strategyID string, spawn Spawn, deps Deps) (kernel.Agent, error) {
	registryMu.RLock()
	factory, ok := registry[strategyID]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", strategyID, Registered())
	}
	return factory(spawn, deps)
}

// Registered 已注册策略名（排序）
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions 严格解码策略选项：未知键拒绝（ConfigError）
func DecodeOptions(node *yaml.Node, out any) error {
	if node == nil {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("strategy options: %w", err)
	}
	return nil
}
