package agent

import (
	"context"
	"log/slog"
	"strings"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/memory"
	"VCMilei/pkg/logger"
)

// LegalRequest 描述需要起草的法律文件。
type LegalRequest struct {
	Requirements string `json:"requirements"`
}

// LegalDraft 是法律智能体的输出。
type LegalDraft struct {
	Draft    string   `json:"draft"`
	Metadata Metadata `json:"metadata"`
}

// LegalAgent 起草投资相关的法律文件，不使用任何工具。
type LegalAgent struct {
	deps Deps
}

// NewLegalAgent 创建法律智能体。
func NewLegalAgent(deps Deps) *LegalAgent {
	return &LegalAgent{deps: deps.withDefaults()}
}

// Draft 生成文件草稿，每轮文本记录为 Legal 记忆。
func (a *LegalAgent) Draft(ctx context.Context, req LegalRequest) (*LegalDraft, error) {
	requirements := strings.TrimSpace(req.Requirements)
	if requirements == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "requirements is required")
	}
	logger.Named("agent.legal").Info("起草法律文件", slog.Int("requirements_len", len(requirements)))
	out, err := a.deps.invoke(ctx, invocation{
		agent:     "legal",
		category:  memory.CategoryLegal,
		system:    legalSystemPrompt,
		prompt:    requirements,
		maxRounds: 1,
	})
	if err != nil {
		return nil, err
	}
	return &LegalDraft{
		Draft:    out.result.FinalText,
		Metadata: out.metadata("legal", a.deps.Now()),
	}, nil
}
