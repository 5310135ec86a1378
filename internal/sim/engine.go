package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/archive"
	"github.com/betbot/perpsim/internal/chain"
	"github.com/betbot/perpsim/internal/csvlog"
	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/exchange"
	"github.com/betbot/perpsim/internal/gateway"
	"github.com/betbot/perpsim/internal/keeper"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/liquidation"
	"github.com/betbot/perpsim/internal/oracle"
	"github.com/betbot/perpsim/internal/pending"
	"github.com/betbot/perpsim/internal/scenario"
	"github.com/betbot/perpsim/internal/strategies"
	"github.com/betbot/perpsim/pkg/shutdown"
)

var log = logrus.WithField("component", "engine")

// BootstrapError 启动期链错误（退出码 2）
type BootstrapError struct {
	Err error
}

func (e *BootstrapError) Error() string { return fmt.Sprintf("bootstrap: %v", e.Err) }
func (e *BootstrapError) Unwrap() error { return e.Err }

// Options 装配可选项（命令行覆盖 + 测试注入）
type Options struct {
	Realtime     bool
	TickMS       uint64 // 0 = 场景值
	Port         int    // 0 = 场景值
	SkipDeposits bool

	// 测试注入点
	Provider       oracle.Provider
	Book           chain.AddressBook
	Backend        chain.Backend
	DisableCSV     bool
	DisableGateway bool
}

// Engine 一次仿真运行的全部装配
type Engine struct {
	Scenario *scenario.Scenario
	Kernel   *kernel.Kernel
	Events   *events.Bus
	Client   *chain.Client
	Cache    *oracle.PriceCache
	Exchange *exchange.Agent

	skipDeposits bool
	gatewaySrv   *gateway.Server
	sink         *csvlog.Sink
	journal      *archive.Journal
}

// Build 按场景装配引擎
func Build(scn *scenario.Scenario, opts Options) (*Engine, error) {
	tickMS := scn.TickMS
	if opts.TickMS > 0 {
		tickMS = opts.TickMS
	}
	mode := kernel.ModeFast
	if opts.Realtime {
		mode = kernel.ModeRealtime
	}

	bus := events.NewBus(events.DefaultPublishTimeout)

	var latency kernel.LatencyModel = kernel.ZeroLatency{}
	if scn.Latency.NetworkMS > 0 || scn.Latency.ComputeMS > 0 {
		latency = kernel.FixedLatency{
			NetworkDelayNS: scn.Latency.NetworkMS * uint64(time.Millisecond),
			ComputeDelayNS: scn.Latency.ComputeMS * uint64(time.Millisecond),
		}
	}

	k := kernel.New(kernel.Config{
		Mode:        mode,
		TickMS:      tickMS,
		DurationSec: scn.DurationSec,
		Seed:        scn.Seed,
		Latency:     latency,
	}, bus)

	cache := oracle.NewPriceCache(scn.Oracle.CacheDurationMS * uint64(time.Millisecond))

	// CSV 落盘
	var sink *csvlog.Sink
	if !opts.DisableCSV {
		var err error
		sink, err = csvlog.NewSink(filepath.Join(scn.LogsDir, scn.Name))
		if err != nil {
			return nil, &scenario.ConfigError{Field: "logsDir", Reason: err.Error()}
		}
		sink.Run(bus.Subscribe("csv", 4096))
	}

	// 地址簿
	book := opts.Book
	if book == nil {
		mnemonic := scn.Chain.Mnemonic
		if mnemonic == "" {
			mnemonic = os.Getenv("PERPSIM_MNEMONIC")
		}
		var err error
		if mnemonic != "" {
			book, err = chain.NewHDWalletBook(mnemonic, scn.AllAccounts())
		} else if scn.Chain.Backend == "embedded" {
			book, err = chain.NewStaticBook(scn.AllAccounts())
		} else {
			return nil, &scenario.ConfigError{Field: "chain.mnemonic", Reason: "required for rpc backend (or PERPSIM_MNEMONIC)"}
		}
		if err != nil {
			return nil, &scenario.ConfigError{Field: "chain.mnemonic", Reason: err.Error()}
		}
	}

	// 后端：内嵌引擎标记价直接取预言机缓存中间价
	backend := opts.Backend
	if backend == nil {
		switch scn.Chain.Backend {
		case "embedded":
			cfg := chain.DefaultSimBackendConfig()
			cfg.FeeBps = scn.Chain.FeeBps
			backend = chain.NewSimBackend(cfg, scn.MarketSpecs(),
				func(sym domain.Symbol) (domain.Price, bool) {
					mid, err := cache.Mid(sym, k.Clock().NowVNS())
					return mid, err == nil
				},
				func() uint64 { return k.Clock().NowVNS() })
		case "rpc":
			endpoint := scn.Chain.Endpoint
			if env := os.Getenv("PERPSIM_CHAIN_ENDPOINT"); env != "" {
				endpoint = env
			}
			backend = chain.NewRPCBackend(endpoint, chain.DefaultCallTimeout)
		}
	}

	clientCfg := chain.ClientConfig{
		Gas:         chain.GasPolicy{BaseGas: scn.Chain.BaseGas},
		Realtime:    opts.Realtime,
		Concurrency: scn.Chain.SubmissionConcurrency,
	}
	if sink != nil {
		clientCfg.TxLog = sink.TxLog
	}
	client := chain.NewClient(clientCfg, book, backend)

	// 交易所代理
	book2 := pending.NewBook()
	ex := exchange.NewAgent(exchange.AgentConfig{
		ID:             scenario.ExchangeAgentID,
		LiquidationID:  scenario.LiquidationAgentID,
		Markets:        scn.MarketSpecs(),
		TickIntervalMS: tickMS,
		BlockTimeMS:    scn.BlockTimeMS,
	}, client, book2, bus)
	k.AddAgent(ex, 0)

	// 预言机代理
	provider := opts.Provider
	if provider == nil {
		switch scn.Oracle.Provider {
		case "synthetic":
			base := make(map[domain.Symbol]domain.Price, len(scn.Oracle.BasePrices))
			for sym, usd := range scn.Oracle.BasePrices {
				base[sym] = domain.PriceFromDecimal(usd)
			}
			provider = oracle.NewSyntheticProvider(scn.Seed, base)
		case "hermes":
			provider = oracle.NewHermesProvider(scn.Oracle.Endpoint, scn.Oracle.Feeds)
		default:
			return nil, &scenario.ConfigError{Field: "oracle.provider", Reason: "replay provider must be injected"}
		}
	}
	k.AddAgent(oracle.NewAgent(oracle.AgentConfig{
		ID:             scenario.OracleAgentID,
		Symbols:        scn.Symbols(),
		WakeIntervalMS: scn.Oracle.WakeIntervalMS,
		Realtime:       opts.Realtime,
	}, provider, cache, bus), 0)

	// keeper 与清算
	if scn.Keeper.Enabled {
		k.AddAgent(keeper.New(keeper.Config{
			ID:             scenario.KeeperAgentID,
			ExchangeID:     scenario.ExchangeAgentID,
			Symbols:        scn.Symbols(),
			WakeIntervalMS: scn.Keeper.WakeIntervalMS,
		}, ex, cache), 0)
	}
	if scn.Liquidation.Enabled {
		mmf := decimal.Decimal{}
		if scn.Liquidation.MMF != "" {
			var err error
			mmf, err = decimal.NewFromString(scn.Liquidation.MMF)
			if err != nil {
				return nil, &scenario.ConfigError{Field: "liquidation.mmf", Reason: err.Error()}
			}
		}
		k.AddAgent(liquidation.New(liquidation.Config{
			ID:             scenario.LiquidationAgentID,
			ExchangeID:     scenario.ExchangeAgentID,
			WakeIntervalMS: scn.Liquidation.WakeIntervalMS,
			MMF:            mmf,
		}, ex), 0)
	}

	// 策略代理
	deps := strategies.Deps{
		Exchange:    ex,
		ExchangeID:  scenario.ExchangeAgentID,
		Prices:      cache,
		BlockTimeMS: scn.BlockTimeMS,
	}
	for i, ac := range scn.Agents {
		agent, err := strategies.Build(ac.Strategy, strategies.Spawn{
			ID:      scenario.StrategyAgentID(i),
			Name:    ac.Name,
			Symbol:  ac.Symbol,
			Options: ac.Options,
		}, deps)
		if err != nil {
			return nil, &scenario.ConfigError{Field: fmt.Sprintf("agents[%d]", i), Reason: err.Error()}
		}
		k.AddAgent(agent, ac.StartDelayMS*uint64(time.Millisecond))
	}

	eng := &Engine{
		Scenario:     scn,
		Kernel:       k,
		Events:       bus,
		Client:       client,
		Cache:        cache,
		Exchange:     ex,
		skipDeposits: opts.SkipDeposits || scn.Chain.SkipDeposits,
		sink:         sink,
	}

	// 事件档案（badger）
	if scn.Archive.Enabled {
		dir := scn.Archive.Dir
		if dir == "" {
			dir = filepath.Join(scn.LogsDir, scn.Name, "journal")
		}
		journal, err := archive.Open(dir)
		if err != nil {
			return nil, &scenario.ConfigError{Field: "archive.dir", Reason: err.Error()}
		}
		journal.Run(bus.Subscribe("archive", 4096))
		eng.journal = journal
	}

	// HTTP/WS 网关（场景启用即装配，不区分时钟模式）
	if scn.Gateway.Enabled && !opts.DisableGateway {
		port := scn.Gateway.Port
		if opts.Port > 0 {
			port = opts.Port
		}
		srv := gateway.New(gateway.Config{
			Port:       port,
			ExchangeID: scenario.ExchangeAgentID,
			HumanID:    scenario.HumanAgentID,
			Symbols:    scn.Symbols(),
		}, k, ex, cache, bus, func() uint64 { return k.Clock().NowVNS() })
		k.AddAgent(gateway.NewHumanAgent(scenario.HumanAgentID, srv.Hub(), tickMS), 0)
		eng.gatewaySrv = srv
	}

	return eng, nil
}

// Run 启动：初始入金 → 内核循环 → 收尾
func (e *Engine) Run(ctx context.Context) error {
	if !e.skipDeposits {
		deposits := e.Scenario.InitialDeposits()
		if len(deposits) > 0 {
			log.Infof("初始入金 %d 个账户", len(deposits))
			if err := e.Client.BootstrapDeposits(deposits); err != nil {
				return &BootstrapError{Err: err}
			}
		}
	} else {
		log.Info("skip_deposits：跳过初始入金")
	}

	if e.gatewaySrv != nil {
		e.gatewaySrv.Start()
	}

	err := e.Kernel.Run(ctx)

	// 收尾：先断链路，再关事件总线让订阅者收尾退出；
	// 其余资源通过 shutdown.Manager 并发关闭
	e.Client.Close()
	e.Events.Close()

	mgr := shutdown.NewManager()
	if e.gatewaySrv != nil {
		mgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
			e.gatewaySrv.Shutdown(ctx)
		})
	}
	if e.sink != nil {
		mgr.OnShutdown(func(_ context.Context, _ *sync.WaitGroup) {
			e.sink.Close()
		})
	}
	if e.journal != nil {
		mgr.OnShutdown(func(_ context.Context, _ *sync.WaitGroup) {
			if cerr := e.journal.Close(); cerr != nil {
				log.Warnf("事件档案关闭失败: %v", cerr)
			}
		})
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	return err
}
