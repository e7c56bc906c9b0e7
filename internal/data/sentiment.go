package data

import (
	"sort"
	"strings"
	"unicode"
)

var (
	positiveWords = []string{"bullish", "surge", "gain", "rally", "up", "high", "positive"}
	negativeWords = []string{"bearish", "crash", "drop", "fall", "down", "low", "negative"}
	stopWords     = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {},
		"with": {}, "from": {}, "this": {}, "that": {}, "will": {}, "have": {}, "after": {}, "into": {}, "over": {},
	}
)

// Sentiment 按关键词粗略估计文本情绪，结果为每条文本的平均得分。
func Sentiment(texts []string) float64 {
	if len(texts) == 0 {
		return 0
	}
	score := 0
	for _, text := range texts {
		words := wordSet(text)
		for _, w := range positiveWords {
			if _, ok := words[w]; ok {
				score++
			}
		}
		for _, w := range negativeWords {
			if _, ok := words[w]; ok {
				score--
			}
		}
	}
	return float64(score) / float64(len(texts))
}

// TrendingTopics 返回出现频率最高的 n 个词（长度大于 3 且不是停用词）。
func TrendingTopics(texts []string, n int) []string {
	counts := map[string]int{}
	for _, text := range texts {
		for _, word := range splitWords(text) {
			if len(word) <= 3 {
				continue
			}
			if _, stop := stopWords[word]; stop {
				continue
			}
			counts[word]++
		}
	}
	topics := make([]string, 0, len(counts))
	for word := range counts {
		topics = append(topics, word)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if n > 0 && len(topics) > n {
		topics = topics[:n]
	}
	return topics
}

// Headlines 把新闻标题与摘要拼成文本列表。
func Headlines(items []NewsItem) []string {
	texts := make([]string, 0, len(items))
	for _, item := range items {
		texts = append(texts, strings.TrimSpace(item.Title+" "+item.Description))
	}
	return texts
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range splitWords(text) {
		set[w] = struct{}{}
	}
	return set
}
