// Package retrieval serves narrative knowledge (SSP implementation
// statements, policy excerpts) to the pipeline's map-controls stage. The
// knowledge base is a directory of YAML documents the operator drops under
// the data dir; documents are ranked against the query by keyword overlap.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/conmon/internal/pipeline"
)

// Document is one narrative knowledge entry. A blank SystemID or ControlID
// matches any filter value, so organization-wide narratives apply to every
// system.
type Document struct {
	DocType   string `yaml:"doc_type"`
	SystemID  string `yaml:"system_id"`
	ControlID string `yaml:"control_id"`
	Title     string `yaml:"title"`
	Text      string `yaml:"text"`
}

type knowledgeFile struct {
	Documents []Document `yaml:"documents"`
}

// KnowledgeBase holds the loaded documents in memory. It implements
// pipeline.Retriever.
type KnowledgeBase struct {
	docs []Document
}

// Open loads every *.yaml and *.yml file under dir. A missing directory is
// not an error; the knowledge base just retrieves nothing until the operator
// provides documents.
func Open(dir string) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return kb, nil
		}
		return nil, fmt.Errorf("reading knowledge dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading knowledge file %s: %w", e.Name(), err)
		}
		var kf knowledgeFile
		if err := yaml.Unmarshal(raw, &kf); err != nil {
			return nil, fmt.Errorf("parsing knowledge file %s: %w", e.Name(), err)
		}
		for _, d := range kf.Documents {
			if strings.TrimSpace(d.Text) == "" {
				continue
			}
			if d.DocType == "" {
				d.DocType = "ssp_narrative"
			}
			kb.docs = append(kb.docs, d)
		}
	}
	log.Debug().Str("dir", dir).Int("documents", len(kb.docs)).Msg("knowledge_base_loaded")
	return kb, nil
}

// Len reports how many documents are loaded.
func (kb *KnowledgeBase) Len() int { return len(kb.docs) }

// Retrieve returns up to k documents matching the metadata filter, ranked by
// keyword overlap with the query. A document whose control ID appears in the
// query outranks any overlap-only match.
func (kb *KnowledgeBase) Retrieve(_ context.Context, query string, filter map[string]string, k int) ([]pipeline.RetrievedItem, error) {
	if k <= 0 {
		k = 1
	}
	type scored struct {
		doc   Document
		score float64
	}
	queryLower := strings.ToLower(query)
	var matches []scored
	for _, d := range kb.docs {
		if !d.matches(filter) {
			continue
		}
		score := keywordSimilarity(query, d.Title+" "+d.Text)
		if d.ControlID != "" && strings.Contains(queryLower, strings.ToLower(d.ControlID)) {
			score += 1.0
		}
		if score == 0 {
			continue
		}
		matches = append(matches, scored{doc: d, score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if matches[i].doc.ControlID != matches[j].doc.ControlID {
			return matches[i].doc.ControlID < matches[j].doc.ControlID
		}
		return matches[i].doc.Title < matches[j].doc.Title
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	items := make([]pipeline.RetrievedItem, 0, len(matches))
	for _, m := range matches {
		items = append(items, pipeline.RetrievedItem{
			Text: m.doc.Text,
			Metadata: map[string]any{
				"doc_type":   m.doc.DocType,
				"system_id":  m.doc.SystemID,
				"control_id": m.doc.ControlID,
				"title":      m.doc.Title,
				"score":      m.score,
			},
		})
	}
	return items, nil
}

func (d Document) matches(filter map[string]string) bool {
	for key, want := range filter {
		var have string
		switch key {
		case "doc_type":
			have = d.DocType
		case "system_id":
			have = d.SystemID
		case "control_id":
			have = d.ControlID
		default:
			return false
		}
		// Blank document fields are wildcards.
		if have != "" && !strings.EqualFold(have, want) {
			return false
		}
	}
	return true
}

func keywordSimilarity(a, b string) float64 {
	wordsA := extractKeywordSet(a)
	wordsB := extractKeywordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	overlap := 0
	for w := range wordsA {
		if wordsB[w] {
			overlap++
		}
	}
	denominator := len(wordsA)
	if len(wordsB) < denominator {
		denominator = len(wordsB)
	}
	return float64(overlap) / float64(denominator)
}

// extractKeywordSet returns unique non-stopword tokens of three or more
// characters.
func extractKeywordSet(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}|")
		if len(w) >= 3 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "this": true, "that": true, "with": true, "from": true,
	"they": true, "been": true, "each": true, "which": true, "their": true,
	"will": true, "other": true, "about": true, "then": true, "them": true,
	"these": true, "some": true, "would": true, "into": true,
}
