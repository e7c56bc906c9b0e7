package data

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "VCMilei/internal/errors"
)

// DefaultModeExplorerURL 是 Mode 主网区块浏览器 API 地址。
const DefaultModeExplorerURL = "https://explorer-mode-mainnet-0.t.conduit.xyz/api/v2"

// ModeExplorer 访问 Mode 网络的 Blockscout 兼容 API。
type ModeExplorer struct {
	baseURL string
	http    getter
}

// NewModeExplorer 创建浏览器客户端，baseURL 为空时使用主网地址。
func NewModeExplorer(baseURL string, timeout time.Duration) *ModeExplorer {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultModeExplorerURL
	}
	return &ModeExplorer{baseURL: baseURL, http: newGetter("mode-explorer", timeout)}
}

// Token 返回代币基础信息。
func (m *ModeExplorer) Token(ctx context.Context, address string) (map[string]any, error) {
	return m.object(ctx, "/tokens/"+url.PathEscape(address))
}

// TokenCounters 返回代币的持有人与转账计数。
func (m *ModeExplorer) TokenCounters(ctx context.Context, address string) (map[string]any, error) {
	return m.object(ctx, "/tokens/"+url.PathEscape(address)+"/counters")
}

// TokenHolders 返回代币持有人列表的一页。
func (m *ModeExplorer) TokenHolders(ctx context.Context, address string) (map[string]any, error) {
	return m.object(ctx, "/tokens/"+url.PathEscape(address)+"/holders")
}

// TokenTransfers 返回代币转账记录的一页。
func (m *ModeExplorer) TokenTransfers(ctx context.Context, address string, limit int) (map[string]any, error) {
	path := "/tokens/" + url.PathEscape(address) + "/transfers"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return m.object(ctx, path)
}

// MarketStats 返回网络级别的市场图表数据。
func (m *ModeExplorer) MarketStats(ctx context.Context) (map[string]any, error) {
	return m.object(ctx, "/stats/charts/market")
}

// AddressTokenBalances 返回地址持有的代币余额。
func (m *ModeExplorer) AddressTokenBalances(ctx context.Context, address string) ([]any, error) {
	var out []any
	if err := m.http.getJSON(ctx, m.baseURL+"/addresses/"+url.PathEscape(address)+"/token-balances", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *ModeExplorer) object(ctx context.Context, path string) (map[string]any, error) {
	out := map[string]any{}
	if err := m.http.getJSON(ctx, m.baseURL+path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TokenMetrics 是单个代币的聚合行情快照。
type TokenMetrics struct {
	Network   string         `json:"network"`
	Address   string         `json:"tokenAddress"`
	Token     map[string]any `json:"token"`
	Counters  map[string]any `json:"counters"`
	Market    map[string]any `json:"market"`
	Timestamp time.Time      `json:"timestamp"`
}

// CollectTokenMetrics 并发拉取代币信息、计数与市场数据。
func (m *ModeExplorer) CollectTokenMetrics(ctx context.Context, address string) (*TokenMetrics, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币地址不能为空")
	}
	metrics := &TokenMetrics{Network: "mode", Address: address, Timestamp: time.Now().UTC()}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		metrics.Token, err = m.Token(gctx, address)
		return err
	})
	group.Go(func() (err error) {
		metrics.Counters, err = m.TokenCounters(gctx, address)
		return err
	})
	group.Go(func() (err error) {
		metrics.Market, err = m.MarketStats(gctx)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return metrics, nil
}
