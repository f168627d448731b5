package crisis

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/antoniostano/minghe/internal/apperr"
)

var tierBaseConfidence = map[Level]float64{
	LevelCritical: 0.90,
	LevelHigh:     0.80,
	LevelMedium:   0.60,
}

// noSignalConfidence is reported for low: the absence of a match is weak evidence.
const noSignalConfidence = 0.5

// Detector classifies messages against a hot-swappable pattern table.
// The zero value has no table loaded and reports ErrUnavailable.
type Detector struct {
	table atomic.Pointer[compiledTable]
}

// NewDetector compiles t and returns a ready Detector.
func NewDetector(t Table) (*Detector, error) {
	d := &Detector{}
	if err := d.Reload(t); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDefaultDetector returns a Detector loaded with the embedded table.
func NewDefaultDetector() (*Detector, error) {
	t, err := DefaultTable()
	if err != nil {
		return nil, err
	}
	return NewDetector(t)
}

// Reload atomically replaces the pattern table. An invalid table leaves the
// current one in place.
func (d *Detector) Reload(t Table) error {
	compiled, err := compile(t)
	if err != nil {
		return err
	}
	d.table.Store(compiled)
	return nil
}

// Version returns the loaded table version, or -1 when none is loaded.
func (d *Detector) Version() int {
	t := d.table.Load()
	if t == nil {
		return -1
	}
	return t.version
}

// RuleCount returns the number of compiled rules in the loaded table.
func (d *Detector) RuleCount() int {
	t := d.table.Load()
	if t == nil {
		return 0
	}
	return t.rules
}

// Hotlines returns the hotlines configured for locale. When no hotline carries
// that locale (or locale is empty) all hotlines are returned.
func (d *Detector) Hotlines(locale string) []Hotline {
	t := d.table.Load()
	if t == nil {
		return nil
	}
	return filterHotlines(t.hotlines, locale)
}

// Detect classifies message. It is a pure function of the message and the
// loaded table; ctx is accepted for interface parity with remote classifiers
// and is not consulted: a cancelled caller still gets a result.
func (d *Detector) Detect(_ context.Context, message string) (Assessment, error) {
	text := strings.TrimSpace(message)
	if text == "" {
		return Assessment{}, apperr.Validation("crisis detect: message is empty")
	}
	t := d.table.Load()
	if t == nil {
		return Assessment{}, apperr.Unavailable("crisis detect: no pattern table loaded")
	}

	for _, tier := range t.tiers {
		var (
			hits     int
			best     string
			bestLen  int
			category string
		)
		for _, r := range tier.rules {
			loc := r.re.FindStringIndex(text)
			if loc == nil {
				continue
			}
			hits++
			m := text[loc[0]:loc[1]]
			if n := utf8.RuneCountInString(m); n > bestLen {
				best, bestLen, category = m, n, r.category
			}
		}
		if hits == 0 {
			continue
		}
		return Assessment{
			Detected:      true,
			MatchedSignal: best,
			Category:      category,
			Level:         tier.level,
			Confidence:    confidence(tier.level, bestLen, hits),
		}, nil
	}

	return Assessment{
		Detected:   false,
		Level:      LevelLow,
		Confidence: noSignalConfidence,
	}, nil
}

// confidence scores a match by specificity: longer matched text and more
// distinct rule hits in the winning tier raise the tier's base value.
func confidence(level Level, matchLen, hits int) float64 {
	c := tierBaseConfidence[level]
	c += math.Min(0.06, 0.01*float64(matchLen))
	c += math.Min(0.04, 0.02*float64(hits-1))
	if c > 1 {
		c = 1
	}
	return math.Round(c*100) / 100
}

func filterHotlines(all []Hotline, locale string) []Hotline {
	locale = strings.TrimSpace(locale)
	if locale != "" {
		var out []Hotline
		for _, h := range all {
			if strings.EqualFold(h.Locale, locale) {
				out = append(out, h)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return append([]Hotline(nil), all...)
}
