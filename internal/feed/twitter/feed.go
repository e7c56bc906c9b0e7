package twitter

import (
	"context"
	"strings"

	"VCMilei/internal/dispatch"
	xerrors "VCMilei/internal/errors"
)

// MentionFeed 把指向机器人账号的提及暴露为分发源。
type MentionFeed struct {
	client *Client
	query  string
}

// NewMentionFeed 创建针对 @username 的提及源。
func NewMentionFeed(client *Client) (*MentionFeed, error) {
	if client == nil || client.Username() == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提及源需要配置机器人用户名")
	}
	return &MentionFeed{client: client, query: "@" + client.Username()}, nil
}

// Name 实现 dispatch.Feed。
func (f *MentionFeed) Name() string { return "twitter.mentions" }

// FetchRecent 实现 dispatch.Feed，返回最新的提及。
func (f *MentionFeed) FetchRecent(ctx context.Context, limit int) ([]dispatch.Item, error) {
	tweets, err := f.client.FetchRecent(ctx, f.query, limit, ModeLatest)
	if err != nil {
		return nil, err
	}
	self := strings.ToLower(f.client.Username())
	items := make([]dispatch.Item, 0, len(tweets))
	for _, t := range tweets {
		if strings.ToLower(t.Username) == self {
			continue
		}
		items = append(items, dispatch.Item{
			ID:        t.ID,
			Text:      t.Text,
			Author:    t.Username,
			Timestamp: t.CreatedAt,
		})
	}
	return items, nil
}
