// Package parser 从模型的自由文本回复中提取结构化 JSON。
//
// 提取顺序：```json 代码块、第一个顶层平衡的 {...}、整段文本。全部失败时
// 退化为原始文本，解析过程从不返回错误。
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	xerrors "VCMilei/internal/errors"
)

// Source 标识结构化内容的来源。
type Source string

const (
	SourceNone   Source = ""
	SourceFenced Source = "fenced"
	SourceInline Source = "inline"
	SourceWhole  Source = "whole"
)

// Report 是解析结果。Parsed 为 false 时只有 Raw 有意义。
type Report struct {
	Raw        string
	Value      any
	Source     Source
	Commentary string
	Notes      []string
}

var (
	fencedPattern = regexp.MustCompile("(?s)```[ \t]*(?i:json)[ \t]*\\r?\\n(.*?)```")
	notesHeading  = regexp.MustCompile(`(?im)^[ \t]*#{0,6}[ \t]*\**[ \t]*additional notes[ \t]*\**[ \t]*:?[ \t]*\**[ \t]*(.*)$`)
	bulletPrefix  = regexp.MustCompile(`^(?:[-*•+]|\d+[.)])\s+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

// Parsed 表示是否提取到了结构化内容。
func (r Report) Parsed() bool {
	return r.Source != SourceNone
}

// Object 返回 JSON 对象形式的内容。
func (r Report) Object() (map[string]any, bool) {
	obj, ok := r.Value.(map[string]any)
	return obj, ok
}

// Map 渲染为对外输出的结构：解析成功时为对象本身并附带 notes，否则为 {raw: text}。
func (r Report) Map() map[string]any {
	if !r.Parsed() {
		return map[string]any{"raw": r.Raw}
	}
	out := map[string]any{}
	if obj, ok := r.Object(); ok {
		for k, v := range obj {
			out[k] = v
		}
	} else {
		out["value"] = r.Value
	}
	if len(r.Notes) > 0 {
		out["notes"] = append([]string(nil), r.Notes...)
	}
	return out
}

// Parse 解析模型输出。
func Parse(text string) Report {
	report := Report{Raw: text}
	if strings.TrimSpace(text) == "" {
		return report
	}

	start, end := -1, -1
	if m := fencedPattern.FindStringSubmatchIndex(text); m != nil {
		if value, ok := decode(text[m[2]:m[3]]); ok {
			report.Value, report.Source = value, SourceFenced
			start, end = m[0], m[1]
		}
	}
	if !report.Parsed() {
		if value, ok := decode(text); ok {
			report.Value, report.Source = value, SourceWhole
			return report
		}
	}
	if !report.Parsed() {
		for from := 0; from < len(text); {
			s, e, found := balancedObject(text, from)
			if !found {
				break
			}
			if value, ok := decode(text[s:e]); ok {
				report.Value, report.Source = value, SourceInline
				start, end = s, e
				break
			}
			from = s + 1
		}
	}
	if !report.Parsed() {
		return report
	}

	rest := text[end:]
	if loc := notesHeading.FindStringSubmatchIndex(rest); loc != nil {
		report.Notes = collectNotes(rest[loc[2]:loc[3]], rest[loc[1]:])
		rest = rest[:loc[0]]
	}
	report.Commentary = tidy(text[:start] + "\n" + rest)
	return report
}

// ParseInto 将提取出的结构化内容解码到 v。未提取到 JSON 时返回 CodeParseFailure。
func ParseInto(text string, v any) (Report, error) {
	report := Parse(text)
	if !report.Parsed() {
		return report, xerrors.New(xerrors.CodeParseFailure, "回复中没有可解析的 JSON")
	}
	encoded, err := json.Marshal(report.Value)
	if err != nil {
		return report, xerrors.Wrap(xerrors.CodeParseFailure, err, "重新编码 JSON 失败")
	}
	if err := json.Unmarshal(encoded, v); err != nil {
		return report, xerrors.Wrap(xerrors.CodeParseFailure, err, "JSON 与目标结构不匹配")
	}
	return report, nil
}

func decode(candidate string) (any, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, false
	}
	if c := candidate[0]; c != '{' && c != '[' {
		return nil, false
	}
	var value any
	if err := json.Unmarshal([]byte(candidate), &value); err != nil {
		return nil, false
	}
	return value, true
}

// balancedObject 从 from 开始寻找第一个括号平衡的 {...}，忽略字符串内的括号与转义字符。
func balancedObject(text string, from int) (int, int, bool) {
	offset := strings.IndexByte(text[from:], '{')
	if offset < 0 {
		return 0, 0, false
	}
	start := from + offset
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1, true
			}
		}
	}
	return 0, 0, false
}

func collectNotes(inline, body string) []string {
	var notes []string
	if note := strings.Trim(strings.TrimSpace(inline), "*"); note != "" {
		notes = append(notes, strings.TrimSpace(note))
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "```" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			break
		}
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line != "" {
			notes = append(notes, line)
		}
	}
	return notes
}

func tidy(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
}
