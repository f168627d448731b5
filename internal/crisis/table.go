package crisis

import (
	_ "embed"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed default_patterns.yaml
var defaultTableYAML []byte

// Rule is one entry of the pattern table. Exactly one of Phrase or Regex is set.
type Rule struct {
	Phrase   string `yaml:"phrase,omitempty"`
	Regex    string `yaml:"regex,omitempty"`
	Category string `yaml:"category,omitempty"`
}

// Hotline is an emergency resource appended to crisis responses.
type Hotline struct {
	Name   string `yaml:"name" json:"name"`
	Phone  string `yaml:"phone" json:"phone"`
	Locale string `yaml:"locale,omitempty" json:"locale,omitempty"`
}

// Table is the operator-editable crisis pattern table.
type Table struct {
	Version  int              `yaml:"version"`
	Tiers    map[Level][]Rule `yaml:"tiers"`
	Hotlines []Hotline        `yaml:"hotlines"`
}

// tierOrder is the evaluation order; the first tier with a match wins.
var tierOrder = []Level{LevelCritical, LevelHigh, LevelMedium}

type compiledRule struct {
	category string
	re       *regexp.Regexp
}

type compiledTier struct {
	level Level
	rules []compiledRule
}

type compiledTable struct {
	version  int
	tiers    []compiledTier
	hotlines []Hotline
	rules    int
}

// DefaultTable returns the embedded pattern table.
func DefaultTable() (Table, error) {
	return ParseTable(defaultTableYAML)
}

// ParseTable decodes and validates a YAML pattern table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("decode crisis table: %w", err)
	}
	if _, err := compile(t); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTable reads a pattern table from fsys.
func LoadTable(fsys fs.FS, name string) (Table, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Table{}, fmt.Errorf("read crisis table %s: %w", name, err)
	}
	return ParseTable(data)
}

// LoadFile reads a pattern table from disk.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read crisis table %s: %w", path, err)
	}
	return ParseTable(data)
}

func compile(t Table) (*compiledTable, error) {
	for lvl := range t.Tiers {
		if lvl != LevelCritical && lvl != LevelHigh && lvl != LevelMedium {
			return nil, fmt.Errorf("crisis table: unsupported tier %q", lvl)
		}
	}
	if len(t.Tiers[LevelCritical]) == 0 {
		return nil, fmt.Errorf("crisis table: critical tier must not be empty")
	}

	out := &compiledTable{version: t.Version}
	for _, lvl := range tierOrder {
		tier := compiledTier{level: lvl}
		for i, r := range t.Tiers[lvl] {
			re, err := compileRule(r)
			if err != nil {
				return nil, fmt.Errorf("crisis table: %s rule %d: %w", lvl, i, err)
			}
			category := strings.TrimSpace(r.Category)
			if category == "" {
				category = string(lvl)
			}
			tier.rules = append(tier.rules, compiledRule{category: category, re: re})
		}
		out.rules += len(tier.rules)
		out.tiers = append(out.tiers, tier)
	}
	for i, h := range t.Hotlines {
		if strings.TrimSpace(h.Name) == "" || strings.TrimSpace(h.Phone) == "" {
			return nil, fmt.Errorf("crisis table: hotline %d needs name and phone", i)
		}
	}
	out.hotlines = append([]Hotline(nil), t.Hotlines...)
	return out, nil
}

func compileRule(r Rule) (*regexp.Regexp, error) {
	phrase := strings.TrimSpace(r.Phrase)
	expr := strings.TrimSpace(r.Regex)
	switch {
	case phrase != "" && expr != "":
		return nil, fmt.Errorf("phrase and regex are mutually exclusive")
	case phrase == "" && expr == "":
		return nil, fmt.Errorf("phrase or regex is required")
	case expr != "":
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("compile regex %q: %w", expr, err)
		}
		return re, nil
	}

	quoted := regexp.QuoteMeta(phrase)
	// Latin phrases match whole words only; CJK text has no word boundaries.
	if isLatin(phrase) {
		quoted = `\b` + quoted + `\b`
	}
	return regexp.Compile("(?i)" + quoted)
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
