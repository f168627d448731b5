package crisis

import (
	"strings"
)

const criticalTemplate = `我很担心你。

听到你这样说，我真的很在乎你。请你记住：

1. **你很重要** - 你的生命是宝贵的
2. **帮助是有的** - 专业的心理咨询师可以帮助你
3. **你不需要独自承受** - 有人愿意倾听和支持你

**请立即联系以下热线：**
{hotlines}

如果你有具体计划或想法，请告诉你信任的人，或者直接拨打上述热线。

记住：**你并不孤单，有人可以帮助你。**`

const highTemplate = `我听到你了。

谢谢你愿意分享这些。我能感受到你现在的痛苦。重要的是：

- **你值得被帮助**
- **你的感受是重要的**
- **寻求帮助是勇敢的表现**

**专业支持可以帮到你：**
{hotlines}

如果你愿意，可以告诉我更多你的情况。或者，我建议你联系上面的热线，他们可以提供专业的支持。`

const safetyFallbackTemplate = `我现在没能完整地理解你的消息，但你的安全对我来说最重要。

如果你正处在危险之中，或者有伤害自己的想法，请立即联系：
{hotlines}

你也可以告诉身边信任的人。我会一直在这里陪着你。`

// Response renders the fixed crisis-protocol reply for a preempting
// assessment. Non-preempting assessments yield an empty string.
func Response(a Assessment, hotlines []Hotline) string {
	switch {
	case !a.Preempts():
		return ""
	case a.Level == LevelCritical:
		return render(criticalTemplate, hotlines)
	default:
		return render(highTemplate, hotlines)
	}
}

// SafetyFallback renders the reply used when the crisis check itself failed.
func SafetyFallback(hotlines []Hotline) string {
	return render(safetyFallbackTemplate, hotlines)
}

// FallbackHotlines is used when no table is loaded, so the safety fallback
// always carries at least one resource.
var FallbackHotlines = []Hotline{
	{Name: "全国心理援助热线", Phone: "400-161-9995", Locale: "zh-CN"},
}

func render(tmpl string, hotlines []Hotline) string {
	if len(hotlines) == 0 {
		hotlines = FallbackHotlines
	}
	lines := make([]string, 0, len(hotlines))
	for _, h := range hotlines {
		lines = append(lines, "- "+h.Name+": "+h.Phone)
	}
	return strings.Replace(tmpl, "{hotlines}", strings.Join(lines, "\n"), 1)
}
