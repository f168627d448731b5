package crisis

// Level is the ordinal crisis severity of a message.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
	// LevelUnknown is never produced by a Detector. The orchestrator assigns it
	// to turns whose crisis check failed.
	LevelUnknown Level = "unknown"
)

// Rank orders levels low < medium < high < critical. Unknown ranks above
// critical so that any comparison treats it as the most severe.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return 4
	}
}

func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical, LevelUnknown:
		return true
	default:
		return false
	}
}

// Assessment is the result of classifying one message.
// Detected is true if and only if Level != LevelLow.
type Assessment struct {
	Detected      bool    `json:"detected"`
	MatchedSignal string  `json:"matched_signal,omitempty"`
	Category      string  `json:"category,omitempty"`
	Level         Level   `json:"risk_level"`
	Confidence    float64 `json:"confidence"`
}

// Preempts reports whether the assessment must short-circuit normal routing.
func (a Assessment) Preempts() bool {
	return a.Detected && (a.Level == LevelHigh || a.Level == LevelCritical)
}
