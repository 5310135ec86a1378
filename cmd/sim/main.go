package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/betbot/perpsim/internal/scenario"
	"github.com/betbot/perpsim/internal/sim"
	"github.com/betbot/perpsim/pkg/logger"

	// 触发策略 init() 注册
	_ "github.com/betbot/perpsim/internal/strategies/all"
)

// 退出码：0 正常结束，1 配置错误，2 启动期链错误，130 被中断
const (
	exitOK          = 0
	exitConfig      = 1
	exitBootstrap   = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	scenarioName := flag.String("scenario", "simple_demo", "场景文件名（不带扩展名）")
	realtime := flag.Bool("realtime", false, "实时模式（默认快速模式）")
	tickMS := flag.Uint64("tick-ms", 0, "实时模式 tick 宽度（ms，0 = 场景值）")
	port := flag.Int("port", 0, "HTTP 网关端口（WS 为 port+1，0 = 场景值）")
	skipDeposits := flag.Bool("skip-deposits", false, "跳过初始链上入金")
	logLevel := flag.String("log-level", "info", "日志级别")
	logFile := flag.String("log-file", "", "日志文件（可选）")
	flag.Parse()

	// .env 可选：链端点、助记词等
	_ = godotenv.Load()

	if err := logger.Init(logger.Config{
		Level:      *logLevel,
		OutputFile: *logFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     7,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return exitConfig
	}

	path, err := scenario.Resolve(*scenarioName)
	if err != nil {
		logger.Errorf("%v", err)
		return exitConfig
	}
	scn, err := scenario.Load(path)
	if err != nil {
		logger.Errorf("%v", err)
		return exitConfig
	}
	logger.Infof("场景 %s：agents=%d markets=%d duration=%ds realtime=%v",
		scn.Name, len(scn.Agents), len(scn.Markets), scn.DurationSec, *realtime)

	engine, err := sim.Build(scn, sim.Options{
		Realtime:     *realtime,
		TickMS:       *tickMS,
		Port:         *port,
		SkipDeposits: *skipDeposits,
	})
	if err != nil {
		var cfgErr *scenario.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Errorf("%v", cfgErr)
			return exitConfig
		}
		logger.Errorf("装配失败: %v", err)
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigCh
		interrupted = true
		logger.Warn("收到中断信号，开始停机")
		cancel()
	}()

	if err := engine.Run(ctx); err != nil {
		var bootErr *sim.BootstrapError
		if errors.As(err, &bootErr) {
			logger.Errorf("%v", bootErr)
			return exitBootstrap
		}
		logger.Errorf("运行失败: %v", err)
		return exitConfig
	}

	if interrupted {
		return exitInterrupted
	}
	logger.Info("仿真正常结束")
	return exitOK
}
