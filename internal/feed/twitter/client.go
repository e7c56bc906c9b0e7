// Package twitter 封装 X API v2：检索提及、发布回复与推文串、查询用户资料。
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const (
	defaultBaseURL    = "https://api.twitter.com"
	defaultTimeout    = 30 * time.Second
	defaultPostDelay  = 5 * time.Second
	minSearchResults  = 10
	maxSearchResults  = 100
	tweetFields       = "created_at,author_id,public_metrics,conversation_id"
	userFields        = "username,name,description,created_at,verified,location,url,profile_image_url,public_metrics"
	searchExpansions  = "author_id"
	timelineMaxResult = 100
)

// SearchMode 决定检索结果的排序方式。
type SearchMode string

const (
	ModeLatest SearchMode = "Latest"
	ModeTop    SearchMode = "Top"
)

// Config 描述 X API 客户端的配置。
type Config struct {
	BaseURL     string
	BearerToken string
	Username    string
	Timeout     time.Duration
	// PostDelay 是两次发帖之间的最小间隔。
	PostDelay time.Duration
	// DryRun 为 true 时只记录日志，不真正发帖。
	DryRun bool
}

// Metrics 是推文的互动数据。
type Metrics struct {
	Likes    int `json:"like_count"`
	Retweets int `json:"retweet_count"`
	Replies  int `json:"reply_count"`
	Quotes   int `json:"quote_count"`
}

// Tweet 是一条推文。
type Tweet struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	Username       string    `json:"username"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Metrics        Metrics   `json:"public_metrics"`
}

// Profile 是用户公开资料。
type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"name"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
	Website     string    `json:"url,omitempty"`
	Verified    bool      `json:"verified"`
	JoinedAt    time.Time `json:"created_at"`
	Followers   int       `json:"followers"`
	Following   int       `json:"following"`
	Tweets      int       `json:"tweets"`
	Listed      int       `json:"listed"`
}

// Client 通过 HTTP 调用 X API v2。
type Client struct {
	baseURL    string
	token      string
	username   string
	dryRun     bool
	limiter    *rate.Limiter
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient 创建客户端。
func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.DryRun {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 X API Bearer Token")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	delay := cfg.PostDelay
	if delay <= 0 {
		delay = defaultPostDelay
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		username:   strings.TrimPrefix(strings.TrimSpace(cfg.Username), "@"),
		dryRun:     cfg.DryRun,
		limiter:    rate.NewLimiter(rate.Every(delay), 1),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("twitter"),
	}, nil
}

// Username 返回机器人账号的用户名。
func (c *Client) Username() string { return c.username }

type apiUserMetrics struct {
	Followers int `json:"followers_count"`
	Following int `json:"following_count"`
	Tweets    int `json:"tweet_count"`
	Listed    int `json:"listed_count"`
}

type apiUser struct {
	ID            string         `json:"id"`
	Username      string         `json:"username"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Location      string         `json:"location"`
	URL           string         `json:"url"`
	Verified      bool           `json:"verified"`
	CreatedAt     time.Time      `json:"created_at"`
	PublicMetrics apiUserMetrics `json:"public_metrics"`
}

type tweetsResponse struct {
	Data     []Tweet `json:"data"`
	Includes struct {
		Users []apiUser `json:"users"`
	} `json:"includes"`
}

// FetchRecent 检索最近的推文，结果按时间从新到旧排列。
func (c *Client) FetchRecent(ctx context.Context, query string, limit int, mode SearchMode) ([]Tweet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "检索条件不能为空")
	}
	if limit <= 0 {
		limit = minSearchResults
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", strconv.Itoa(clamp(limit, minSearchResults, maxSearchResults)))
	params.Set("tweet.fields", tweetFields)
	params.Set("expansions", searchExpansions)
	params.Set("user.fields", "username")
	if mode == ModeTop {
		params.Set("sort_order", "relevancy")
	} else {
		params.Set("sort_order", "recency")
	}

	var decoded tweetsResponse
	if err := c.do(ctx, http.MethodGet, "/2/tweets/search/recent?"+params.Encode(), nil, &decoded); err != nil {
		return nil, err
	}
	tweets := attachUsernames(decoded)
	if len(tweets) > limit {
		tweets = tweets[:limit]
	}
	return tweets, nil
}

// LookupUser 查询用户资料。
func (c *Client) LookupUser(ctx context.Context, username string) (*Profile, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户名不能为空")
	}
	var decoded struct {
		Data *apiUser `json:"data"`
	}
	path := "/2/users/by/username/" + url.PathEscape(username) + "?user.fields=" + url.QueryEscape(userFields)
	if err := c.do(ctx, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	if decoded.Data == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("用户 %s 不存在", username))
	}
	u := decoded.Data
	return &Profile{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.Name,
		Description: u.Description,
		Location:    u.Location,
		Website:     u.URL,
		Verified:    u.Verified,
		JoinedAt:    u.CreatedAt,
		Followers:   u.PublicMetrics.Followers,
		Following:   u.PublicMetrics.Following,
		Tweets:      u.PublicMetrics.Tweets,
		Listed:      u.PublicMetrics.Listed,
	}, nil
}

// UserTweets 返回用户最近的推文。
func (c *Client) UserTweets(ctx context.Context, userID string, limit int) ([]Tweet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	params := url.Values{}
	params.Set("max_results", strconv.Itoa(clamp(limit, 5, timelineMaxResult)))
	params.Set("tweet.fields", tweetFields)
	var decoded tweetsResponse
	if err := c.do(ctx, http.MethodGet, "/2/users/"+url.PathEscape(userID)+"/tweets?"+params.Encode(), nil, &decoded); err != nil {
		return nil, err
	}
	tweets := decoded.Data
	if limit > 0 && len(tweets) > limit {
		tweets = tweets[:limit]
	}
	return tweets, nil
}

// Reply 回复指定推文，返回新推文的 ID。DryRun 模式下返回空 ID。
func (c *Client) Reply(ctx context.Context, text, inReplyToID string) (string, error) {
	if strings.TrimSpace(inReplyToID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少被回复的推文 ID")
	}
	return c.post(ctx, Truncate(text), inReplyToID)
}

// PostThread 依次发布推文串，后一条回复前一条，返回最后一条推文的 ID。
func (c *Client) PostThread(ctx context.Context, texts []string) (string, error) {
	var lastID string
	posted := 0
	for _, text := range texts {
		text = Truncate(text)
		if text == "" {
			continue
		}
		id, err := c.post(ctx, text, lastID)
		if err != nil {
			return lastID, err
		}
		posted++
		if id != "" {
			lastID = id
		}
	}
	if posted == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "推文串为空")
	}
	return lastID, nil
}

func (c *Client) post(ctx context.Context, text, inReplyToID string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "推文内容为空")
	}
	if c.dryRun {
		c.log.Info("[DRY RUN] 跳过发帖", slog.String("in_reply_to", inReplyToID), slog.String("text", text))
		return "", nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "等待发帖配额被取消")
	}

	body := map[string]any{"text": text}
	if inReplyToID != "" {
		body["reply"] = map[string]string{"in_reply_to_tweet_id": inReplyToID}
	}
	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/tweets", body, &decoded); err != nil {
		return "", err
	}
	logger.Audit().Info("已发布推文",
		slog.String("tweet_id", decoded.Data.ID),
		slog.String("in_reply_to", inReplyToID),
		slog.Int("length", len([]rune(text))),
	)
	return decoded.Data.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 X API 请求失败")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 X API 请求失败")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "请求 X API 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		code := xerrors.CodeTransport
		if resp.StatusCode == http.StatusNotFound {
			code = xerrors.CodeNotFound
		}
		return xerrors.New(code,
			fmt.Sprintf("X API 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			xerrors.WithRetryable(retryable),
		)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "解析 X API 响应失败", xerrors.WithRetryable(false))
	}
	return nil
}

func attachUsernames(resp tweetsResponse) []Tweet {
	names := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		names[u.ID] = u.Username
	}
	tweets := make([]Tweet, 0, len(resp.Data))
	for _, t := range resp.Data {
		if t.Username == "" {
			t.Username = names[t.AuthorID]
		}
		tweets = append(tweets, t)
	}
	return tweets
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
