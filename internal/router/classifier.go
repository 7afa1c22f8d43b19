package router

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Signal is one scored indicator of request complexity. It fires when the
// message contains at least MinKeywords of its keywords, and, when
// MinHistory is set, the conversation is at least that long. Weight is the
// signal's contribution toward the bucket threshold, 1 unless set.
type Signal struct {
	Name        string   `yaml:"name"`
	Keywords    []string `yaml:"keywords"`
	MinKeywords int      `yaml:"min_keywords"`
	MinHistory  int      `yaml:"min_history"`
	Weight      int      `yaml:"weight"`
}

func (s Signal) weight() int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

func (s Signal) fires(message string, historyLen int) bool {
	if s.MinHistory > 0 && historyLen < s.MinHistory {
		return false
	}
	if len(s.Keywords) == 0 {
		// Pure history-length signal.
		return s.MinHistory > 0
	}
	min := s.MinKeywords
	if min <= 0 {
		min = 1
	}
	hits := 0
	for _, kw := range s.Keywords {
		if containsFold(message, kw) {
			hits++
			if hits >= min {
				return true
			}
		}
	}
	return hits >= min
}

// Bucket groups signals behind a fire threshold: the bucket matches when the
// summed weights of its fired signals reach Threshold.
type Bucket struct {
	Threshold int      `yaml:"threshold"`
	Signals   []Signal `yaml:"signals"`
}

func (b Bucket) matches(message string, historyLen int) (bool, []string) {
	threshold := b.Threshold
	if threshold <= 0 {
		threshold = 2
	}
	var fired []string
	score := 0
	for _, s := range b.Signals {
		if s.fires(message, historyLen) {
			fired = append(fired, s.Name)
			score += s.weight()
		}
	}
	return score >= threshold, fired
}

// SignalTable is the full classification configuration. Premium is checked
// before standard so the strongest match wins.
type SignalTable struct {
	Version  string `yaml:"version"`
	Premium  Bucket `yaml:"premium"`
	Standard Bucket `yaml:"standard"`
}

// Classification is the routing verdict for one message.
type Classification struct {
	Tier    Tier
	Signals []string
}

// Classifier scores messages against a signal table.
type Classifier struct {
	table SignalTable
}

// NewClassifier creates a classifier over the given table.
func NewClassifier(table SignalTable) *Classifier {
	return &Classifier{table: table}
}

// LoadClassifier reads a signal table from a YAML file.
func LoadClassifier(path string) (*Classifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadClassifier: %w", err)
	}
	var table SignalTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("LoadClassifier: %w", err)
	}
	return &Classifier{table: table}, nil
}

// Classify scores one user message. Messages matching neither bucket route
// cheap.
func (c *Classifier) Classify(message string, historyLen int) Classification {
	message = strings.TrimSpace(message)
	if ok, fired := c.table.Premium.matches(message, historyLen); ok {
		return Classification{Tier: TierPremium, Signals: fired}
	}
	if ok, fired := c.table.Standard.matches(message, historyLen); ok {
		return Classification{Tier: TierStandard, Signals: fired}
	}
	return Classification{Tier: TierCheap}
}

// DefaultSignalTable is the built-in table used when no file is configured.
func DefaultSignalTable() SignalTable {
	return SignalTable{
		Version: "builtin-1",
		Premium: Bucket{
			Threshold: 2,
			Signals: []Signal{
				{Name: "cross_entity", Keywords: []string{"correlate", "compare across", "join", "combine"}},
				{Name: "multi_step", Keywords: []string{"then", "after that", "step by step", "breakdown by"}, MinKeywords: 2},
				{Name: "forecasting", Keywords: []string{"forecast", "predict", "projection", "trend"}},
				{Name: "long_conversation", MinHistory: 12},
				{Name: "anomaly", Keywords: []string{"anomaly", "outlier", "unusual", "spike"}},
			},
		},
		Standard: Bucket{
			Threshold: 2,
			Signals: []Signal{
				{Name: "multi_domain", Keywords: []string{"sales", "stock", "purchase", "pos", "margin", "velocity", "coverage", "dead stock"}, MinKeywords: 3, Weight: 2},
				{Name: "aggregation", Keywords: []string{"total", "sum", "average", "count", "how many"}},
				{Name: "grouping", Keywords: []string{"by region", "by product", "per store", "grouped", "breakdown"}},
				{Name: "time_range", Keywords: []string{"last month", "this quarter", "year to date", "ytd", "season"}},
				{Name: "comparison", Keywords: []string{"versus", "vs", "compared to", "difference between"}},
				{Name: "export", Keywords: []string{"export", "download", "csv", "full list"}},
			},
		},
	}
}
