package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/betbot/perpsim/internal/domain"
	"github.com/betbot/perpsim/pkg/cache"
)

// DefaultFetchTimeout 预言机单次拉取超时
const DefaultFetchTimeout = 10 * time.Second

// hermesDedupeTTL 同一 symbol 短时间内重复拉取直接走本地缓存
const hermesDedupeTTL = 500 * time.Millisecond

// HermesProvider Pyth Hermes 风格的 HTTP 价格源（实时模式）。
// price ± conf 映射为样本的 min/max。
type HermesProvider struct {
	client *resty.Client
	// feedIDs symbol → hex feed id
	feedIDs map[domain.Symbol]string
	// 反向索引，响应按 feed id 归位
	symbols map[string]domain.Symbol
	// recent 防止多消费方（代理 + 网关状态页）打爆上游
	recent *cache.InMemoryCache[domain.Symbol, domain.OracleSample]
}

// hermesResponse /v2/updates/price/latest 响应结构
type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// NewHermesProvider 创建 Hermes 价格源
func NewHermesProvider(endpoint string, feedIDs map[domain.Symbol]string) *HermesProvider {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(DefaultFetchTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	symbols := make(map[domain.Symbol]string, len(feedIDs))
	reverse := make(map[string]domain.Symbol, len(feedIDs))
	for sym, id := range feedIDs {
		symbols[sym] = id
		reverse[id] = sym
	}
	return &HermesProvider{
		client:  client,
		feedIDs: symbols,
		symbols: reverse,
		recent:  cache.NewInMemoryCache[domain.Symbol, domain.OracleSample](hermesDedupeTTL),
	}
}

func (p *HermesProvider) Name() string { return "hermes" }

// Fetch 拉取一批 symbol 的最新签名价格
func (p *HermesProvider) Fetch(ctx context.Context, _ uint64, symbols []domain.Symbol) ([]domain.OracleSample, error) {
	// 近期已拉取过的直接命中本地缓存
	cached := make([]domain.OracleSample, 0, len(symbols))
	var misses []domain.Symbol
	for _, sym := range symbols {
		if s, ok := p.recent.Get(sym); ok {
			cached = append(cached, s)
		} else {
			misses = append(misses, sym)
		}
	}
	if len(misses) == 0 {
		return cached, nil
	}

	req := p.client.R().SetContext(ctx)
	for _, sym := range misses {
		id, ok := p.feedIDs[sym]
		if !ok {
			return nil, fmt.Errorf("symbol %s has no feed id", sym)
		}
		req.QueryParam.Add("ids[]", id)
	}

	var body hermesResponse
	resp, err := req.SetResult(&body).Get("/v2/updates/price/latest")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "hermes fetch")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hermes fetch: status %d", resp.StatusCode())
	}

	recvNS := uint64(time.Now().UnixNano())
	out := cached
	for _, item := range body.Parsed {
		sym, ok := p.symbols[item.ID]
		if !ok {
			sym = p.symbols["0x"+item.ID]
			if sym == "" {
				continue
			}
		}
		price, err := strconv.ParseInt(item.Price.Price, 10, 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "feed %s price", item.ID)
		}
		conf, err := strconv.ParseInt(item.Price.Conf, 10, 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "feed %s conf", item.ID)
		}

		mid := scaleToMicro(price, item.Price.Expo)
		half := scaleToMicro(conf, item.Price.Expo)
		sample := domain.OracleSample{
			Symbol:     sym,
			PriceMin:   mid - half,
			PriceMax:   mid + half,
			PriceMid:   mid,
			PublishNS:  uint64(item.Price.PublishTime) * uint64(time.Second),
			ReceivedNS: recvNS,
		}
		p.recent.Set(sym, sample, 0)
		out = append(out, sample)
	}
	return out, nil
}

// scaleToMicro 把 value×10^expo 换算为 micro-USD（value×10^(expo+6)），整数运算
func scaleToMicro(value int64, expo int32) domain.Price {
	shift := int(expo) + 6
	v := value
	for shift > 0 {
		v *= 10
		shift--
	}
	for shift < 0 {
		v /= 10
		shift++
	}
	return domain.Price(v)
}
