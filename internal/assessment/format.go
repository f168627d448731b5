package assessment

import (
	"fmt"
	"strings"
)

// FormatQuestion renders a question with numbered options for chat.
func FormatQuestion(q Question, position, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "（%d/%d）%s\n", position, total, q.Text)
	for _, o := range q.Options {
		fmt.Fprintf(&b, "%d. %s\n", o.Value, o.Label)
	}
	b.WriteString("请回复选项前的数字。")
	return b.String()
}

// FormatIntro introduces a questionnaire before its first question.
func FormatIntro(q Questionnaire) string {
	return fmt.Sprintf("我们来做一个简短的%s，%s。共%d题，没有对错之分。", q.Name, q.Description, len(q.Questions))
}

// FormatResult summarizes a completed questionnaire.
func FormatResult(r Result) string {
	q, _ := Lookup(r.Kind)
	var b strings.Builder
	fmt.Fprintf(&b, "%s已完成，得分 %.1f（%s）。\n", q.Name, r.Score, severityLabel(r.Severity))
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "- %s\n", rec)
	}
	b.WriteString("这只是简化的自评结果，不能替代专业诊断。")
	return b.String()
}

func severityLabel(s string) string {
	switch s {
	case "minimal":
		return "正常范围"
	case "low":
		return "较低"
	case "mild":
		return "轻度"
	case "moderate":
		return "中度"
	case "severe":
		return "重度"
	case "high":
		return "较高"
	default:
		return s
	}
}
