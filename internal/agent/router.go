package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	xerrors "VCMilei/internal/errors"
)

// Kind 标识可以异步执行的智能体任务。
type Kind string

const (
	KindChat   Kind = "chat"
	KindMarket Kind = "market_report"
	KindNews   Kind = "news_report"
	KindSocial Kind = "social_report"
	KindLegal  Kind = "legal"
)

// Kinds 返回全部任务类型。
func Kinds() []Kind {
	return []Kind{KindChat, KindMarket, KindNews, KindSocial, KindLegal}
}

// Valid 判断任务类型是否受支持。
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// TaskRequest 描述一次异步智能体任务。Input 为对应请求类型的 JSON。
type TaskRequest struct {
	ID       string            `json:"id,omitempty"`
	Kind     Kind              `json:"kind"`
	Input    json.RawMessage   `json:"input"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskResult 是任务的执行结果。
type TaskResult struct {
	Kind      Kind  `json:"kind"`
	Output    any   `json:"output"`
	CreatedAt int64 `json:"created_at"`
}

// Router 把任务分派给对应的智能体。
type Router struct {
	market  *MarketAgent
	news    *NewsAgent
	social  *SocialAgent
	legal   *LegalAgent
	vcmilei *VCMileiAgent
	now     func() time.Time
}

// NewRouter 使用同一份依赖构建全部智能体。
func NewRouter(deps Deps) *Router {
	deps = deps.withDefaults()
	return &Router{
		market:  NewMarketAgent(deps),
		news:    NewNewsAgent(deps),
		social:  NewSocialAgent(deps),
		legal:   NewLegalAgent(deps),
		vcmilei: NewVCMileiAgent(deps),
		now:     deps.Now,
	}
}

// Market 返回市场智能体。
func (r *Router) Market() *MarketAgent { return r.market }

// News 返回新闻智能体。
func (r *Router) News() *NewsAgent { return r.news }

// Social 返回社交智能体。
func (r *Router) Social() *SocialAgent { return r.social }

// Legal 返回法律智能体。
func (r *Router) Legal() *LegalAgent { return r.legal }

// VCMilei 返回投资智能体。
func (r *Router) VCMilei() *VCMileiAgent { return r.vcmilei }

// Execute 解码输入并同步执行任务。
func (r *Router) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	var (
		output any
		err    error
	)
	switch req.Kind {
	case KindChat:
		var in Request
		if err = decodeInput(req.Input, &in); err == nil {
			output, err = r.vcmilei.Handle(ctx, in)
		}
	case KindMarket:
		var in MarketRequest
		if err = decodeInput(req.Input, &in); err == nil {
			output, err = r.market.Report(ctx, in)
		}
	case KindNews:
		var in NewsRequest
		if err = decodeInput(req.Input, &in); err == nil {
			output, err = r.news.Report(ctx, in)
		}
	case KindSocial:
		var in SocialRequest
		if err = decodeInput(req.Input, &in); err == nil {
			output, err = r.social.Report(ctx, in)
		}
	case KindLegal:
		var in LegalRequest
		if err = decodeInput(req.Input, &in); err == nil {
			output, err = r.legal.Draft(ctx, in)
		}
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的任务类型 %q", req.Kind))
	}
	if err != nil {
		return nil, err
	}
	return &TaskResult{Kind: req.Kind, Output: output, CreatedAt: r.now().Unix()}, nil
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "任务输入格式错误")
	}
	return nil
}
