package data

import (
	"context"
	"time"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/feed/twitter"
)

// ProfileSource 是社交资料的来源，通常由 twitter.Client 实现。
type ProfileSource interface {
	LookupUser(ctx context.Context, username string) (*twitter.Profile, error)
	UserTweets(ctx context.Context, userID string, limit int) ([]twitter.Tweet, error)
}

// SocialAnalysis 是从资料推导出的简单指标。
type SocialAnalysis struct {
	EngagementRate float64 `json:"engagement_rate"`
	ActivityScore  float64 `json:"activity_score"`
	AvgInteraction float64 `json:"avg_interactions"`
}

// SocialMetrics 是账号的社交快照。
type SocialMetrics struct {
	Timestamp    time.Time        `json:"timestamp"`
	Profile      *twitter.Profile `json:"profile"`
	Analysis     SocialAnalysis   `json:"analysis"`
	RecentTweets []twitter.Tweet  `json:"recent_tweets,omitempty"`
}

// SocialProvider 汇总账号资料与近期推文。
type SocialProvider struct {
	source ProfileSource
	now    func() time.Time
}

// NewSocialProvider 创建社交数据源。
func NewSocialProvider(source ProfileSource) *SocialProvider {
	return &SocialProvider{source: source, now: time.Now}
}

// Collect 返回账号的社交指标；近期推文不可用时仍返回资料指标。
func (p *SocialProvider) Collect(ctx context.Context, username string, tweetLimit int) (*SocialMetrics, error) {
	if p == nil || p.source == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置社交数据源")
	}
	profile, err := p.source.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}
	now := p.now()
	metrics := &SocialMetrics{
		Timestamp: now.UTC(),
		Profile:   profile,
		Analysis: SocialAnalysis{
			EngagementRate: EngagementRate(profile),
			ActivityScore:  ActivityScore(profile, now),
		},
	}
	if tweetLimit > 0 && profile.ID != "" {
		if tweets, err := p.source.UserTweets(ctx, profile.ID, tweetLimit); err == nil {
			metrics.RecentTweets = tweets
			metrics.Analysis.AvgInteraction = averageInteractions(tweets)
		}
	}
	return metrics, nil
}

// EngagementRate 为关注者数与推文数之比的百分数。
func EngagementRate(p *twitter.Profile) float64 {
	if p == nil || p.Tweets == 0 {
		return 0
	}
	return float64(p.Followers) / float64(p.Tweets) * 100
}

// ActivityScore 为账号每天发推数的百分数。
func ActivityScore(p *twitter.Profile, now time.Time) float64 {
	if p == nil || p.JoinedAt.IsZero() {
		return 0
	}
	days := now.Sub(p.JoinedAt).Hours() / 24
	if days <= 0 {
		return 0
	}
	return float64(p.Tweets) / days * 100
}

func averageInteractions(tweets []twitter.Tweet) float64 {
	if len(tweets) == 0 {
		return 0
	}
	total := 0
	for _, t := range tweets {
		total += t.Metrics.Likes + t.Metrics.Retweets + t.Metrics.Replies + t.Metrics.Quotes
	}
	return float64(total) / float64(len(tweets))
}
