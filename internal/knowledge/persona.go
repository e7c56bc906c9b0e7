// Package knowledge 加载角色设定（人设、文风、口头禅与知识片段），
// 并按关键字挑选与当前话题相关的片段注入提示词。
package knowledge

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "VCMilei/internal/errors"
)

//go:embed milei.character.json
var defaultCharacter []byte

const defaultSnippetLimit = 3

// Channel 区分提示词的使用场景。
type Channel string

const (
	// ChannelChat 用于对话与回复。
	ChannelChat Channel = "chat"
	// ChannelPost 用于主动发布的推文。
	ChannelPost Channel = "post"
)

// Snippet 是一段可供大模型引用的知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
}

// Style 是分场景的文风规则。
type Style struct {
	All  []string `json:"all"`
	Chat []string `json:"chat"`
	Post []string `json:"post"`
}

// Character 是完整的角色设定。
type Character struct {
	Name         string    `json:"name"`
	Bio          []string  `json:"bio"`
	Lore         []string  `json:"lore"`
	Topics       []string  `json:"topics"`
	Adjectives   []string  `json:"adjectives"`
	Catchphrases []string  `json:"catchphrases"`
	Style        Style     `json:"style"`
	Knowledge    []Snippet `json:"knowledge"`
}

// Default 返回内置的角色设定。
func Default() *Character {
	character, err := parse(defaultCharacter)
	if err != nil {
		panic("内置角色设定无效: " + err.Error())
	}
	return character
}

// Load 从 JSON 文件加载角色设定；路径为空时返回内置设定。
func Load(path string) (*Character, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析角色设定路径失败")
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取角色设定失败")
	}
	return parse(content)
}

func parse(content []byte) (*Character, error) {
	var character Character
	if err := json.Unmarshal(content, &character); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析角色设定失败")
	}
	if strings.TrimSpace(character.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "角色设定缺少名称")
	}
	return &character, nil
}

// Relevant 返回与文本相关的知识片段，命中关键字越多越靠前。
// 没有关键字的片段视为通用知识，仅在没有其他命中时返回。
func (c *Character) Relevant(text string, limit int) []Snippet {
	if c == nil {
		return nil
	}
	if limit <= 0 {
		limit = defaultSnippetLimit
	}
	text = strings.ToLower(text)

	type scored struct {
		snippet Snippet
		hits    int
	}
	var matched []scored
	var general []Snippet
	for _, item := range c.Knowledge {
		if len(item.Keywords) == 0 {
			general = append(general, item)
			continue
		}
		if hits := countHits(item.Keywords, text); hits > 0 {
			matched = append(matched, scored{snippet: item, hits: hits})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].hits > matched[j].hits })

	results := make([]Snippet, 0, limit)
	for _, m := range matched {
		if len(results) == limit {
			break
		}
		results = append(results, m.snippet)
	}
	if len(results) == 0 {
		for _, g := range general {
			if len(results) == limit {
				break
			}
			results = append(results, g)
		}
	}
	return results
}

func countHits(keywords []string, text string) int {
	hits := 0
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(text, normalized) {
			hits++
		}
	}
	return hits
}

// StyleRules 返回某个场景适用的全部文风规则。
func (c *Character) StyleRules(channel Channel) []string {
	if c == nil {
		return nil
	}
	rules := append([]string{}, c.Style.All...)
	switch channel {
	case ChannelPost:
		rules = append(rules, c.Style.Post...)
	default:
		rules = append(rules, c.Style.Chat...)
	}
	return rules
}

// Prompt 组装注入系统提示词的角色段落。
func (c *Character) Prompt(channel Channel, topic string) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Persona: " + c.Name + "\n")
	writeList(&b, "Bio", c.Bio)
	if len(c.Adjectives) > 0 {
		b.WriteString("Temperament: " + strings.Join(c.Adjectives, ", ") + "\n")
	}
	writeList(&b, "Style rules", c.StyleRules(channel))
	writeList(&b, "Catchphrases (use sparingly)", c.Catchphrases)
	if snippets := c.Relevant(topic, 0); len(snippets) > 0 {
		lines := make([]string, 0, len(snippets))
		for _, s := range snippets {
			lines = append(lines, s.Title+": "+s.Content)
		}
		writeList(&b, "Relevant knowledge", lines)
	}
	return strings.TrimSpace(b.String())
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(heading + ":\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}
