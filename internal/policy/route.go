package policy

import (
	"regexp"
	"strings"
)

// Route names the capability that answers a non-crisis turn.
type Route string

const (
	RouteDirect     Route = "direct"
	RouteRetrieval  Route = "retrieval"
	RouteAssessment Route = "assessment"
)

var (
	assessmentTriggers = []string{
		"评估", "测试", "测评", "量表", "自测", "问卷", "检测一下",
		"assessment", "assess me", "questionnaire", "screening", "self-test",
	}
	informationalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(what is|what are|what's|how to|how do|how can|why|explain|tell me about)\b`),
		regexp.MustCompile(`(是什么|为什么|如何|怎么|怎样|什么是|解释|介绍一下|有什么方法|有哪些)`),
		regexp.MustCompile(`[?？]\s*$`),
	}
)

// SelectRoute picks the capability for a turn that cleared crisis checks.
// A pending assessment always keeps the turn inside the questionnaire.
func SelectRoute(message string, pendingAssessment bool) Route {
	if pendingAssessment {
		return RouteAssessment
	}
	in := strings.ToLower(strings.TrimSpace(message))
	if in == "" {
		return RouteDirect
	}
	if WantsAssessment(in) {
		return RouteAssessment
	}
	for _, re := range informationalPatterns {
		if re.MatchString(in) {
			return RouteRetrieval
		}
	}
	return RouteDirect
}

// WantsAssessment reports whether the message asks for a questionnaire.
func WantsAssessment(message string) bool {
	in := strings.ToLower(message)
	for _, kw := range assessmentTriggers {
		if strings.Contains(in, kw) {
			return true
		}
	}
	return false
}
