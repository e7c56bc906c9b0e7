package twitter

import (
	"regexp"
	"strings"
)

// MaxTweetLength 是单条推文允许的最大字符数。
const MaxTweetLength = 280

const ellipsis = "..."

// Truncate 将文本裁剪到推文长度上限。
// 优先在最后一个完整句子处截断；没有句号时在单词边界截断并追加省略号。
func Truncate(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= MaxTweetLength {
		return text
	}

	head := runes[:MaxTweetLength]
	if idx := lastIndexRune(head, '.'); idx > 0 {
		return strings.TrimSpace(string(head[:idx+1]))
	}

	head = runes[:MaxTweetLength-len(ellipsis)]
	if idx := lastIndexRune(head, ' '); idx > 0 {
		return strings.TrimSpace(string(head[:idx])) + ellipsis
	}
	return string(head) + ellipsis
}

// Split 将长文本切分为若干条不超过上限的推文，按句子边界优先。
func Split(text string) []string {
	text = strings.TrimSpace(text)
	var parts []string
	for text != "" {
		part := Truncate(text)
		if strings.HasSuffix(part, ellipsis) && !strings.HasSuffix(text, ellipsis) {
			part = strings.TrimSuffix(part, ellipsis)
		}
		if part == "" {
			break
		}
		parts = append(parts, part)
		text = strings.TrimSpace(strings.TrimPrefix(text, part))
	}
	return parts
}

var (
	hashtagPattern    = regexp.MustCompile(`#\w+`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
)

// Sanitize 去掉话题标签与非 ASCII 字符，并压缩多余空白。
func Sanitize(text string) string {
	text = hashtagPattern.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		if r > 127 {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

func lastIndexRune(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
