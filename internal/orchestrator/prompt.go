package orchestrator

import (
	"fmt"
	"strings"

	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/policy"
	"github.com/antoniostano/minghe/internal/retrieval"
)

const systemPrompt = `你是"明禾"，一位温暖、专业的心理陪伴助手。

你的原则：
1. 以共情和倾听为先，不评判、不说教。
2. 用简洁自然的中文回答，必要时给出具体可行的小建议。
3. 你不是医生，不做诊断，也不开药；需要时建议寻求专业帮助。
4. 如果用户流露出伤害自己或他人的想法，优先关注安全并提供求助渠道。`

// supportiveDirective is appended for medium-risk turns.
const supportiveDirective = `

用户当前可能处于较大的情绪压力中。请格外温和地回应：先确认和接纳对方的感受，避免说教和否定，不要急于给出大量建议，并在结尾自然地提醒对方可以寻求身边人或专业人士的支持。`

// supportiveLine prefixes non-generated replies on medium-risk turns.
const supportiveLine = "谢谢你愿意告诉我这些，我能感受到你最近承受了不少。我们可以慢慢来。\n\n"

// ageGuidance tunes tone to the age group stored on the profile.
var ageGuidance = map[string]string{
	"adolescent":   "对方是青少年：语气平等尊重，避免说教，理解学业、同伴和家庭压力，肯定其自我探索。",
	"young_adult":  "对方是青年：理解职业发展、人际关系和生活压力，建议实用可操作，尊重其独立自主。",
	"middle_adult": "对方是中年人：尊重其生活经验，理解家庭与职业的双重压力，提供平衡的视角。",
	"senior":       "对方是老年人：语气耐心温和，尊重其人生经验，关注退休适应、健康和孤独感，给予价值认可。",
}

const knowledgeTemplate = `基于以下上下文信息回答用户问题。如果上下文中没有相关信息，请根据你的专业知识回答，并说明这一点。

上下文信息：
%s

用户问题：%s`

// Canned replies used when the generator fails.
const (
	fallbackDirect    = "谢谢你愿意告诉我这些。我在这里倾听你。\n\n如果你愿意，可以多说一些现在的感受，或者让我们一起试试一个简单的放松练习：慢慢吸气4秒，屏住7秒，再缓缓呼气8秒，重复几次。"
	fallbackGeneral   = "我在这里倾听你。能和我多说一些吗？无论是什么样的感受，都可以慢慢说。"
	fallbackKnowledge = "我找到了一些相关的知识信息，供你参考：\n\n%s\n\n如果你想聊聊自己的具体情况，我也在这里。"
)

func buildSystemPrompt(profile memory.Profile, supportive bool) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if g, ok := ageGuidance[profile.AgeGroup()]; ok {
		b.WriteString("\n\n" + g)
	}
	if len(profile.Themes) > 0 {
		fmt.Fprintf(&b, "\n\n用户过往对话中反复出现的主题：%s。", strings.Join(profile.Themes, "、"))
	}
	if supportive {
		b.WriteString(supportiveDirective)
	}
	return b.String()
}

func buildKnowledgePrompt(message string, snippets []retrieval.Snippet) string {
	parts := make([]string, 0, len(snippets))
	for i, s := range snippets {
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, strings.TrimSpace(s.Text)))
	}
	return fmt.Sprintf(knowledgeTemplate, strings.Join(parts, "\n\n"), message)
}

// cannedReply picks the fallback text for a route after a generation failure.
func cannedReply(route policy.Route, snippets []retrieval.Snippet) string {
	switch route {
	case policy.RouteRetrieval:
		if len(snippets) == 0 {
			return fallbackGeneral
		}
		return fmt.Sprintf(fallbackKnowledge, strings.TrimSpace(snippets[0].Text))
	case policy.RouteDirect:
		return fallbackDirect
	default:
		return fallbackGeneral
	}
}
