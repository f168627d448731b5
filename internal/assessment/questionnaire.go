package assessment

import (
	"fmt"
	"math"
	"sort"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/crisis"
)

// Kind identifies a questionnaire.
type Kind string

const (
	KindAnxiety    Kind = "anxiety"
	KindDepression Kind = "depression"
	KindStress     Kind = "stress"
)

type Option struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
	// Reverse items score max+min-value.
	Reverse bool    `json:"reverse,omitempty"`
	Weight  float64 `json:"weight"`
}

func (q Question) bounds() (lo, hi int) {
	lo, hi = q.Options[0].Value, q.Options[0].Value
	for _, o := range q.Options[1:] {
		lo = min(lo, o.Value)
		hi = max(hi, o.Value)
	}
	return lo, hi
}

func (q Question) hasOption(v int) bool {
	for _, o := range q.Options {
		if o.Value == v {
			return true
		}
	}
	return false
}

// Band maps a score floor onto a severity.
type Band struct {
	Severity        string
	Min             float64
	Risk            crisis.Level
	Recommendations []string
}

type Questionnaire struct {
	Kind        Kind       `json:"kind"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Questions   []Question `json:"questions"`
	bands       []Band
}

// Result is the scored outcome of a completed questionnaire.
type Result struct {
	Kind            Kind         `json:"kind"`
	Score           float64      `json:"score"`
	Severity        string       `json:"severity"`
	RiskLevel       crisis.Level `json:"risk_level"`
	Recommendations []string     `json:"recommendations"`
}

var timeOptions = []Option{
	{Value: 1, Label: "没有或很少时间"},
	{Value: 2, Label: "小部分时间"},
	{Value: 3, Label: "相当多时间"},
	{Value: 4, Label: "绝大部分或全部时间"},
}

var questionnaires = map[Kind]Questionnaire{
	KindAnxiety: {
		Kind:        KindAnxiety,
		Name:        "焦虑自评量表",
		Description: "评估焦虑症状的严重程度",
		Questions: []Question{
			{ID: "anx_1", Text: "我觉得比平时容易紧张和着急", Options: timeOptions, Weight: 1},
			{ID: "anx_2", Text: "我无缘无故地感到害怕", Options: timeOptions, Weight: 1},
			{ID: "anx_3", Text: "我容易心里烦乱或觉得惊恐", Options: timeOptions, Weight: 1},
		},
		bands: []Band{
			{Severity: "minimal", Min: 0, Risk: crisis.LevelLow, Recommendations: []string{"继续保持良好的生活习惯", "规律作息和适量运动有助于维持心理健康"}},
			{Severity: "mild", Min: 30, Risk: crisis.LevelMedium, Recommendations: []string{"可以尝试一些放松技巧，如深呼吸", "建议关注压力源并尝试调整"}},
			{Severity: "moderate", Min: 40, Risk: crisis.LevelHigh, Recommendations: []string{"建议学习系统的焦虑管理技巧", "可以考虑寻求心理咨询师的帮助"}},
			{Severity: "severe", Min: 50, Risk: crisis.LevelHigh, Recommendations: []string{"建议尽快联系专业心理咨询师或医生", "如果症状影响日常生活，请及时就医"}},
		},
	},
	KindDepression: {
		Kind:        KindDepression,
		Name:        "抑郁自评量表",
		Description: "评估抑郁症状的严重程度",
		Questions: []Question{
			{ID: "dep_1", Text: "我感到情绪沮丧，郁闷", Options: timeOptions, Weight: 1},
			{ID: "dep_2", Text: "我感到早晨心情最好", Options: timeOptions, Reverse: true, Weight: 1},
			{ID: "dep_3", Text: "我感到自己什么都不好", Options: timeOptions, Weight: 1},
		},
		bands: []Band{
			{Severity: "minimal", Min: 0, Risk: crisis.LevelLow, Recommendations: []string{"保持积极的生活态度和社交活动", "适度运动有助于提升情绪"}},
			{Severity: "mild", Min: 30, Risk: crisis.LevelMedium, Recommendations: []string{"建议增加社交活动和兴趣爱好", "尝试记录感恩日记"}},
			{Severity: "moderate", Min: 40, Risk: crisis.LevelHigh, Recommendations: []string{"建议寻求专业心理帮助", "可以尝试认知行为疗法"}},
			{Severity: "severe", Min: 48, Risk: crisis.LevelHigh, Recommendations: []string{"强烈建议立即寻求专业帮助", "请联系心理咨询师或精神科医生"}},
		},
	},
	KindStress: {
		Kind:        KindStress,
		Name:        "压力感知量表",
		Description: "评估过去一个月的压力感知水平",
		Questions: []Question{
			{ID: "str_1", Text: "在过去一个月里，有多少件事让你感到烦恼？", Weight: 1, Options: []Option{
				{Value: 0, Label: "没有"}, {Value: 1, Label: "很少"}, {Value: 2, Label: "有时"},
				{Value: 3, Label: "经常"}, {Value: 4, Label: "总是"},
			}},
			{ID: "str_2", Text: "在过去一个月里，你有多少时候感到无法控制生活中的重要事情？", Weight: 1, Options: []Option{
				{Value: 0, Label: "从来没有"}, {Value: 1, Label: "几乎没有"}, {Value: 2, Label: "有时会"},
				{Value: 3, Label: "经常会"}, {Value: 4, Label: "总是会"},
			}},
		},
		// Perceived-stress cut-offs 14/40 and 27/40 expressed as percentages.
		bands: []Band{
			{Severity: "low", Min: 0, Risk: crisis.LevelLow, Recommendations: []string{"压力管理水平良好", "继续保持健康的生活方式"}},
			{Severity: "moderate", Min: 35, Risk: crisis.LevelHigh, Recommendations: []string{"建议学习压力管理技巧", "尝试冥想或深呼吸练习"}},
			{Severity: "high", Min: 67.5, Risk: crisis.LevelHigh, Recommendations: []string{"建议立即采取措施管理压力", "考虑寻求专业支持"}},
		},
	},
}

// Lookup returns the questionnaire for kind.
func Lookup(kind Kind) (Questionnaire, bool) {
	q, ok := questionnaires[kind]
	return q, ok
}

// Kinds lists the available questionnaires in a stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(questionnaires))
	for k := range questionnaires {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Score computes the weighted percentage score. Every question must be answered.
func (q Questionnaire) Score(answers map[string]int) (Result, error) {
	var total, maxTotal float64
	for _, question := range q.Questions {
		v, ok := answers[question.ID]
		if !ok {
			return Result{}, apperr.Validation("question %s unanswered", question.ID)
		}
		if !question.hasOption(v) {
			return Result{}, apperr.Validation("question %s: %d is not an option", question.ID, v)
		}
		lo, hi := question.bounds()
		if question.Reverse {
			v = hi + lo - v
		}
		total += question.Weight * float64(v)
		maxTotal += question.Weight * float64(hi)
	}
	if maxTotal <= 0 {
		return Result{}, fmt.Errorf("questionnaire %s has no scorable questions", q.Kind)
	}
	score := math.Round(total/maxTotal*1000) / 10
	band := q.band(score)
	return Result{
		Kind:            q.Kind,
		Score:           score,
		Severity:        band.Severity,
		RiskLevel:       band.Risk,
		Recommendations: append([]string(nil), band.Recommendations...),
	}, nil
}

func (q Questionnaire) band(score float64) Band {
	chosen := q.bands[0]
	for _, b := range q.bands {
		if score >= b.Min {
			chosen = b
		}
	}
	return chosen
}
