package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/internal/events"
	"github.com/betbot/perpsim/internal/exchange"
	"github.com/betbot/perpsim/internal/kernel"
	"github.com/betbot/perpsim/internal/metrics"
	"github.com/betbot/perpsim/internal/oracle"
	"github.com/betbot/perpsim/pkg/syncgroup"
)

var log = logrus.WithField("component", "gateway")

// Injector 网关把外部请求注入内核的唯一通道：网关线程只经消息总线与内核通信
type Injector interface {
	Inject(from, to domain.AgentID, payload any)
}

// Config 网关配置；WS 监听 Port+1
type Config struct {
	Port       int
	ExchangeID domain.AgentID
	HumanID    domain.AgentID
	Symbols    []domain.Symbol
}

// Server HTTP 下单入口 + WS 事件流
type Server struct {
	cfg      Config
	injector Injector
	ex       *exchange.Agent
	prices   *oracle.PriceCache
	bus      *events.Bus
	clock    func() uint64

	hub     *Hub
	httpSrv *http.Server
	wsSrv   *http.Server
	workers *syncgroup.SyncGroup
}

// New 创建网关
func New(cfg Config, injector Injector, ex *exchange.Agent, prices *oracle.PriceCache, bus *events.Bus, clock func() uint64) *Server {
	return &Server{
		cfg:      cfg,
		injector: injector,
		ex:       ex,
		prices:   prices,
		bus:      bus,
		clock:    clock,
		hub:      NewHub(),
		workers:  syncgroup.NewSyncGroup(),
	}
}

// Hub WS 客户端集线器的访问器（human 代理回报推送用）
func (s *Server) Hub() *Hub { return s.hub }

type orderRequest struct {
	Action   string  `json:"action" binding:"required"` // open | close
	Symbol   string  `json:"symbol" binding:"required"`
	Side     string  `json:"side" binding:"required"` // long | short
	Qty      float64 `json:"qty" binding:"required"`
	Leverage uint32  `json:"leverage"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Router HTTP 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/order", s.handleOrder)
	r.POST("/close", s.handleClose)
	r.GET("/status", s.handleStatus)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	return r
}

func (s *Server) handleOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Success: false, Message: err.Error()})
		return
	}

	side := domain.SideLong
	if req.Side == "short" {
		side = domain.SideShort
	} else if req.Side != "long" {
		c.JSON(http.StatusBadRequest, apiResponse{Success: false, Message: "side must be long or short"})
		return
	}
	action := domain.ActionOpen
	switch req.Action {
	case "open":
	case "close":
		action = domain.ActionClose
	default:
		c.JSON(http.StatusBadRequest, apiResponse{Success: false, Message: "action must be open or close"})
		return
	}
	leverage := req.Leverage
	if leverage == 0 {
		leverage = 1
	}

	order := domain.Order{
		Account:    s.cfg.HumanID,
		Symbol:     domain.Symbol(req.Symbol),
		Side:       side,
		Kind:       domain.KindMarket,
		Action:     action,
		SizeTokens: req.Qty,
		Leverage:   leverage,
	}
	s.injector.Inject(s.cfg.HumanID, s.cfg.ExchangeID, kernel.OrderIntent{Order: order})
	c.JSON(http.StatusOK, apiResponse{Success: true, Message: "order accepted"})
}

func (s *Server) handleClose(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Success: false, Message: err.Error()})
		return
	}

	symbol := domain.Symbol(req.Symbol)
	closed := 0
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		pos, ok := s.ex.Position(s.cfg.HumanID, symbol, side)
		if !ok || !pos.IsOpen() {
			continue
		}
		order := domain.Order{
			Account:    s.cfg.HumanID,
			Symbol:     symbol,
			Side:       side,
			Kind:       domain.KindMarket,
			Action:     domain.ActionClose,
			SizeTokens: pos.SizeTokens,
			Leverage:   1,
		}
		s.injector.Inject(s.cfg.HumanID, s.cfg.ExchangeID, kernel.OrderIntent{Order: order})
		closed++
	}
	if closed == 0 {
		c.JSON(http.StatusOK, apiResponse{Success: false, Message: "no open position"})
		return
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Message: fmt.Sprintf("closing %d position(s)", closed)})
}

func (s *Server) handleStatus(c *gin.Context) {
	now := s.clock()

	type priceView struct {
		Symbol string  `json:"symbol"`
		Mid    float64 `json:"mid"`
		Stale  bool    `json:"stale"`
	}
	prices := make([]priceView, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		pv := priceView{Symbol: string(sym), Stale: true}
		if mid, err := s.prices.Mid(sym, now); err == nil {
			pv.Mid = mid.ToDecimal()
			pv.Stale = false
		}
		prices = append(prices, pv)
	}

	markets := make([]gin.H, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		if m, ok := s.ex.Market(sym); ok {
			markets = append(markets, gin.H{
				"symbol":        string(m.Symbol),
				"mark_price":    m.MarkPrice.ToDecimal(),
				"oi_long_usd":   m.OILongUSD.ToDecimal(),
				"oi_short_usd":  m.OIShortUSD.ToDecimal(),
				"liquidity_usd": m.LiquidityUSD.ToDecimal(),
				"funding_hour":  m.FundingRatePerHour.String(),
			})
		}
	}

	positions := make([]gin.H, 0)
	for _, p := range s.ex.Positions() {
		if p.Account != s.cfg.HumanID {
			continue
		}
		positions = append(positions, gin.H{
			"symbol":         string(p.Symbol),
			"side":           p.Side.String(),
			"size_tokens":    p.SizeTokens,
			"size_usd":       p.SizeUSD.ToDecimal(),
			"collateral":     p.Collateral.ToDecimal(),
			"entry_price":    p.EntryPrice.ToDecimal(),
			"unrealized_pnl": p.UnrealizedPnL.ToDecimal(),
		})
	}

	c.JSON(http.StatusOK, apiResponse{Success: true, Message: "ok", Data: gin.H{
		"now_vns":   now,
		"prices":    prices,
		"markets":   markets,
		"positions": positions,
	}})
}

// Start 启动 HTTP 与 WS 监听（各自 goroutine）
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}
	s.wsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port+1),
		Handler: s.hub.Handler(),
	}

	sub := s.bus.Subscribe("ws_gateway", 1024)

	s.workers.Add(func() {
		log.Infof("HTTP 网关监听 :%d", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP 网关退出: %v", err)
		}
	})
	s.workers.Add(func() {
		log.Infof("WS 事件流监听 :%d", s.cfg.Port+1)
		if err := s.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("WS 网关退出: %v", err)
		}
	})
	// 事件总线 → WS 广播
	s.workers.Add(func() {
		for ev := range sub.C {
			s.hub.BroadcastEvent(ev)
		}
	})
	s.workers.Run()
}

// Shutdown 优雅关闭两个监听
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}
	if s.wsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_ = s.wsSrv.Shutdown(shutdownCtx)
	}
	s.hub.Close()
	// 事件订阅随总线 Close 结束，等全部 worker 退出
	s.workers.Wait()
}
