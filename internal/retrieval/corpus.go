package retrieval

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/antoniostano/minghe/internal/apperr"
)

//go:embed knowledge
var defaultKnowledge embed.FS

// Categories are the top-level directories of a knowledge base.
var Categories = map[string]string{
	"psychology_basics":  "心理科普知识",
	"therapy_techniques": "心理治疗技术",
	"chinese_wisdom":     "中国传统文化心理智慧",
	"crisis_resources":   "危机干预资源",
}

// Snippet is one ranked retrieval result.
type Snippet struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Category string  `json:"category"`
	Heading  string  `json:"heading,omitempty"`
	Score    float64 `json:"score"`
}

// Searcher ranks knowledge for a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}

type section struct {
	sourceID string
	category string
	heading  string
	text     string
	terms    map[string]struct{}
}

// Corpus is an in-memory index of markdown sections.
type Corpus struct {
	sections []section
}

// DefaultCorpus loads the knowledge base compiled into the binary.
func DefaultCorpus() (*Corpus, error) {
	sub, err := fs.Sub(defaultKnowledge, "knowledge")
	if err != nil {
		return nil, err
	}
	return LoadCorpus(sub)
}

// LoadDir loads a knowledge base directory from disk.
func LoadDir(dir string) (*Corpus, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, apperr.Unavailable("knowledge base %s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, apperr.Unavailable("knowledge base %s is not a directory", dir)
	}
	return LoadCorpus(os.DirFS(dir))
}

// LoadCorpus indexes every <category>/*.md file under fsys. Files outside the
// known categories are indexed under their directory name.
func LoadCorpus(fsys fs.FS) (*Corpus, error) {
	md := goldmark.New()
	c := &Corpus{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".md" {
			return nil
		}
		dir := path.Dir(p)
		if dir == "." {
			return nil
		}
		category := strings.SplitN(dir, "/", 2)[0]
		src, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		c.sections = append(c.sections, splitSections(md, p, category, src)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	sort.Slice(c.sections, func(i, j int) bool { return c.sections[i].sourceID < c.sections[j].sourceID })
	return c, nil
}

// Len reports how many sections are indexed.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.sections)
}

// splitSections cuts a document at its level 1 and 2 headings.
func splitSections(md goldmark.Markdown, sourcePath, category string, src []byte) []section {
	doc := md.Parser().Parse(text.NewReader(src))

	type cut struct {
		offset  int
		heading string
	}
	cuts := []cut{{offset: 0}}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		start := h.Lines().At(0).Start
		lineStart := bytes.LastIndexByte(src[:start], '\n') + 1
		title := strings.TrimSpace(string(h.Lines().Value(src)))
		if h.Level == 1 && len(cuts) == 1 && strings.TrimSpace(string(src[:lineStart])) == "" {
			cuts[0].heading = title
			continue
		}
		cuts = append(cuts, cut{offset: lineStart, heading: title})
	}

	var out []section
	for i, ct := range cuts {
		end := len(src)
		if i+1 < len(cuts) {
			end = cuts[i+1].offset
		}
		body := strings.TrimSpace(string(src[ct.offset:end]))
		if body == "" || body == "# "+ct.heading {
			continue
		}
		out = append(out, section{
			sourceID: fmt.Sprintf("%s#%d", sourcePath, i),
			category: category,
			heading:  ct.heading,
			text:     body,
			terms:    termSet(body),
		})
	}
	return out
}

// Search ranks sections by the fraction of query terms they contain.
func (c *Corpus) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	if c == nil || len(c.sections) == 0 {
		return nil, apperr.Unavailable("knowledge base not loaded")
	}
	if k <= 0 {
		return []Snippet{}, nil
	}
	qterms := termSet(query)
	if len(qterms) == 0 {
		return []Snippet{}, nil
	}

	var out []Snippet
	for i, s := range c.sections {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hits := 0
		for term := range qterms {
			if _, ok := s.terms[term]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, Snippet{
			Text:     s.text,
			SourceID: s.sourceID,
			Category: s.category,
			Heading:  s.heading,
			Score:    float64(hits) / float64(len(qterms)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if len(out) > k {
		out = out[:k]
	}
	if out == nil {
		out = []Snippet{}
	}
	return out, nil
}

var stopTerms = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "you": {}, "what": {}, "how": {}, "why": {},
	"is": {}, "are": {}, "to": {}, "of": {}, "a": {}, "an": {}, "in": {}, "it": {}, "do": {}, "can": {},
	"什么": {}, "是什": {}, "怎么": {}, "如何": {}, "为什": {}, "一下": {}, "我们": {}, "你们": {},
}

// termSet tokenizes Latin text into lowercase words and Han text into
// overlapping bigrams.
func termSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	add := func(t string) {
		if _, stop := stopTerms[t]; stop || t == "" {
			return
		}
		out[t] = struct{}{}
	}

	var word []rune
	var han []rune
	flushWord := func() {
		if len(word) > 1 {
			add(string(word))
		}
		word = word[:0]
	}
	flushHan := func() {
		switch {
		case len(han) == 1:
			add(string(han))
		case len(han) > 1:
			for i := 0; i+1 < len(han); i++ {
				add(string(han[i : i+2]))
			}
		}
		han = han[:0]
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return out
}
