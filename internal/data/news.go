package data

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const (
	// DefaultCryptoPanicURL 是 CryptoPanic API 地址。
	DefaultCryptoPanicURL = "https://cryptopanic.com/api/v1"
	// DefaultCointelegraphRSS 是 Cointelegraph 的 RSS 地址。
	DefaultCointelegraphRSS = "https://cointelegraph.com/rss"
)

// NewsFilter 对应 CryptoPanic 的 filter 参数。
type NewsFilter string

const (
	FilterNone      NewsFilter = ""
	FilterRising    NewsFilter = "rising"
	FilterHot       NewsFilter = "hot"
	FilterImportant NewsFilter = "important"
)

// NewsItem 是一条新闻。
type NewsItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Description string    `json:"description,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
}

// NewsConfig 描述新闻数据源。
type NewsConfig struct {
	CryptoPanicURL   string
	CryptoPanicToken string
	CointelegraphRSS string
	Timeout          time.Duration
}

// NewsProvider 合并多个新闻源。单个源失败时记录日志并跳过。
type NewsProvider struct {
	panicURL   string
	panicToken string
	rssURL     string
	http       getter
	log        *slog.Logger
}

// NewNewsProvider 创建新闻数据源。
func NewNewsProvider(cfg NewsConfig) *NewsProvider {
	panicURL := strings.TrimRight(strings.TrimSpace(cfg.CryptoPanicURL), "/")
	if panicURL == "" {
		panicURL = DefaultCryptoPanicURL
	}
	rssURL := strings.TrimSpace(cfg.CointelegraphRSS)
	if rssURL == "" {
		rssURL = DefaultCointelegraphRSS
	}
	return &NewsProvider{
		panicURL:   panicURL,
		panicToken: strings.TrimSpace(cfg.CryptoPanicToken),
		rssURL:     rssURL,
		http:       newGetter("news", cfg.Timeout),
		log:        logger.Named("news"),
	}
}

type cryptoPanicResponse struct {
	Results []struct {
		Title       string    `json:"title"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"published_at"`
		Source      struct {
			Title string `json:"title"`
		} `json:"source"`
		Metadata *struct {
			Description string `json:"description"`
			Image       string `json:"image"`
		} `json:"metadata"`
	} `json:"results"`
}

// CryptoPanic 拉取 CryptoPanic 的公开新闻，currency 形如 "BTC,ETH"。
func (p *NewsProvider) CryptoPanic(ctx context.Context, currency string, filter NewsFilter) ([]NewsItem, error) {
	if p.panicToken == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 CryptoPanic Token")
	}
	params := url.Values{}
	params.Set("auth_token", p.panicToken)
	params.Set("public", "true")
	if currency = strings.TrimSpace(currency); currency != "" {
		params.Set("currencies", strings.ToUpper(currency))
	}
	if filter != FilterNone {
		params.Set("filter", string(filter))
	}

	var decoded cryptoPanicResponse
	if err := p.http.getJSON(ctx, p.panicURL+"/posts/?"+params.Encode(), &decoded); err != nil {
		return nil, err
	}
	items := make([]NewsItem, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		item := NewsItem{
			Title:       r.Title,
			URL:         r.URL,
			Source:      r.Source.Title,
			PublishedAt: r.PublishedAt,
		}
		if r.Metadata != nil {
			item.Description = r.Metadata.Description
			item.Thumbnail = r.Metadata.Image
		}
		items = append(items, item)
	}
	return items, nil
}

type rssDocument struct {
	Channel struct {
		Items []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			PubDate     string `xml:"pubDate"`
			Description string `xml:"description"`
			Media       struct {
				URL string `xml:"url,attr"`
			} `xml:"http://search.yahoo.com/mrss/ content"`
		} `xml:"item"`
	} `xml:"channel"`
}

// Cointelegraph 读取 Cointelegraph RSS，keyword 非空时仅保留标题或摘要包含关键字的条目。
func (p *NewsProvider) Cointelegraph(ctx context.Context, keyword string) ([]NewsItem, error) {
	body, err := p.http.getBytes(ctx, p.rssURL)
	if err != nil {
		return nil, err
	}
	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "解析 RSS 失败", xerrors.WithRetryable(false))
	}
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	items := make([]NewsItem, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		title := strings.TrimSpace(it.Title)
		link := strings.TrimSpace(it.Link)
		if title == "" || link == "" {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(title+" "+it.Description), keyword) {
			continue
		}
		published, _ := time.Parse(time.RFC1123Z, strings.TrimSpace(it.PubDate))
		items = append(items, NewsItem{
			Title:       title,
			URL:         link,
			Source:      "Cointelegraph",
			PublishedAt: published.UTC(),
			Description: strings.TrimSpace(it.Description),
			Thumbnail:   it.Media.URL,
		})
	}
	return items, nil
}

// Latest 并发读取全部新闻源，按发布时间从新到旧合并。全部失败时返回最后一个错误。
func (p *NewsProvider) Latest(ctx context.Context, currency string, limit int) ([]NewsItem, error) {
	var (
		mu       sync.Mutex
		merged   []NewsItem
		failures int
		lastErr  error
	)
	collect := func(source string, items []NewsItem, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures++
			lastErr = err
			p.log.Warn("新闻源不可用", slog.String("source", source), slog.Any("error", err))
			return
		}
		merged = append(merged, items...)
	}

	var group errgroup.Group
	group.Go(func() error {
		items, err := p.CryptoPanic(ctx, currency, FilterNone)
		collect("cryptopanic", items, err)
		return nil
	})
	group.Go(func() error {
		items, err := p.Cointelegraph(ctx, currency)
		collect("cointelegraph", items, err)
		return nil
	})
	_ = group.Wait()

	if failures == 2 {
		return nil, lastErr
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].PublishedAt.After(merged[j].PublishedAt)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
