package policy

import (
	"sort"
	"strings"
)

var themeKeywords = map[string][]string{
	"stress":        {"压力", "紧张", "stress", "pressure"},
	"anxiety":       {"焦虑", "担心", "不安", "anxious", "anxiety", "worried", "panic"},
	"depression":    {"抑郁", "低落", "难过", "没兴趣", "depressed", "depression", "sad"},
	"sleep":         {"失眠", "睡不着", "睡眠", "insomnia", "can't sleep", "sleep"},
	"work":          {"工作", "加班", "老板", "同事", "job", "work", "boss", "coworker"},
	"study":         {"学习", "考试", "作业", "学业", "exam", "study", "homework", "school"},
	"family":        {"家人", "父母", "爸爸", "妈妈", "家庭", "family", "parents", "mother", "father"},
	"relationships": {"朋友", "恋爱", "分手", "男朋友", "女朋友", "伴侣", "friend", "breakup", "partner", "relationship"},
}

// ExtractThemes returns the sorted set of recurring themes mentioned in message.
func ExtractThemes(message string) []string {
	in := strings.ToLower(message)
	if strings.TrimSpace(in) == "" {
		return nil
	}
	var out []string
	for theme, kws := range themeKeywords {
		for _, kw := range kws {
			if strings.Contains(in, kw) {
				out = append(out, theme)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
