// Package handoff finds agent handoff directives in free-form model output.
//
// Models without native function calling are prompted to announce a handoff
// in text. The detector scans for the supported encodings in a fixed order of
// precedence, validates the named target against the agent roster and
// attaches a heuristic confidence score.
package handoff

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	"raaf-gateway/internal/models"
)

// Detection methods, in precedence order.
const (
	MethodJSON            = "json"
	MethodBracket         = "bracket"
	MethodNaturalLanguage = "natural_language"
	MethodCall            = "call"
)

// Pattern is one entry of the ordered detection table.
type Pattern struct {
	Method string
	Regex  *regexp.Regexp
	Group  int
}

// DefaultPatterns returns the detection table. Earlier entries win.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Method: MethodJSON,
			Regex:  regexp.MustCompile(`(?i)"(?:handoff_to|transfer_to)"\s*:\s*"([^"]+)"`),
			Group:  1,
		},
		{
			Method: MethodBracket,
			Regex:  regexp.MustCompile(`(?i)\[(?:handoff|transfer)\s*:\s*([^\]]+)\]`),
			Group:  1,
		},
		{
			Method: MethodNaturalLanguage,
			Regex:  regexp.MustCompile(`(?i)\b(?:transfer(?:ring)?|hand(?:ing)?\s*off)\s+(?:you\s+|this\s+|the\s+conversation\s+)?to\s+(?:the\s+)?([A-Za-z][\w-]*(?:[ _-]?agent)?)`),
			Group:  1,
		},
		{
			Method: MethodCall,
			Regex:  regexp.MustCompile(`(?i)\b(?:handoff|transfer_to|transfer)\s*\(\s*["']([^"']+)["']\s*\)`),
			Group:  1,
		},
	}
}

var (
	jsonKeyPattern   = regexp.MustCompile(`(?i)"(?:handoff_to|transfer_to)"\s*:`)
	bracketPattern   = regexp.MustCompile(`(?i)\[(?:handoff|transfer)\s*:`)
	ambiguityPattern = regexp.MustCompile(`(?i)transfer|handoff|agent`)
	agentSuffix      = regexp.MustCompile(`(?i)[\s_-]*agent$`)
)

const (
	baseConfidence     = 0.5
	jsonKeyBonus       = 0.3
	bracketBonus       = 0.2
	literalTargetBonus = 0.2
	ambiguityPenalty   = 0.1
	ambiguityThreshold = 3
)

// Stats is a snapshot of detection counters.
type Stats struct {
	Attempts    int64         `json:"attempts"`
	Successes   int64         `json:"successes"`
	PatternHits map[int]int64 `json:"per_pattern_hits"`
}

// StatsSink mirrors detection counters to shared storage.
type StatsSink interface {
	Record(ctx context.Context, patternIndex int, success bool) error
	Reset(ctx context.Context) error
}

// Detector scans text for handoff directives. It is safe for concurrent use.
type Detector struct {
	patterns []Pattern
	sink     StatsSink
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option customises a Detector.
type Option func(*Detector)

// WithPatterns replaces the detection table.
func WithPatterns(patterns []Pattern) Option {
	return func(d *Detector) {
		if len(patterns) > 0 {
			d.patterns = patterns
		}
	}
}

// WithStatsSink mirrors counters to sink in addition to the in-memory stats.
func WithStatsSink(sink StatsSink) Option {
	return func(d *Detector) {
		d.sink = sink
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDetector constructs a detector with the default pattern table.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		patterns: DefaultPatterns(),
		logger:   slog.Default(),
		stats:    Stats{PatternHits: make(map[int]int64)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Detect scans text for the first directive naming an agent in roster.
func (d *Detector) Detect(text string, roster []string) models.HandoffResult {
	return d.DetectContext(context.Background(), text, roster)
}

// DetectContext is Detect with a context for the stats sink.
func (d *Detector) DetectContext(ctx context.Context, text string, roster []string) models.HandoffResult {
	result := models.HandoffResult{PatternIndex: -1}

	index := rosterIndex(roster)
	if len(index) > 0 && strings.TrimSpace(text) != "" {
	scan:
		for i, pattern := range d.patterns {
			for _, match := range pattern.Regex.FindAllStringSubmatch(text, -1) {
				if pattern.Group >= len(match) {
					continue
				}
				normalized := NormalizeName(match[pattern.Group])
				target, ok := index[normalized]
				if !ok {
					continue
				}
				result = models.HandoffResult{
					Target:       target,
					Found:        true,
					Confidence:   Confidence(text, normalized),
					Method:       pattern.Method,
					PatternIndex: i,
				}
				break scan
			}
		}
	}

	d.record(ctx, result)
	return result
}

func (d *Detector) record(ctx context.Context, result models.HandoffResult) {
	d.mu.Lock()
	d.stats.Attempts++
	if result.Found {
		d.stats.Successes++
		d.stats.PatternHits[result.PatternIndex]++
	}
	d.mu.Unlock()

	if d.sink != nil {
		if err := d.sink.Record(ctx, result.PatternIndex, result.Found); err != nil {
			d.logger.Warn("handoff stats sink record failed", "err", err)
		}
	}
}

// Stats returns a copy of the current counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	hits := make(map[int]int64, len(d.stats.PatternHits))
	for k, v := range d.stats.PatternHits {
		hits[k] = v
	}
	return Stats{Attempts: d.stats.Attempts, Successes: d.stats.Successes, PatternHits: hits}
}

// Reset clears all counters, including those held by the sink.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.stats = Stats{PatternHits: make(map[int]int64)}
	d.mu.Unlock()

	if d.sink != nil {
		if err := d.sink.Reset(context.Background()); err != nil {
			d.logger.Warn("handoff stats sink reset failed", "err", err)
		}
	}
}

// Patterns returns the detection table in precedence order.
func (d *Detector) Patterns() []Pattern {
	return append([]Pattern(nil), d.patterns...)
}

// NormalizeName trims name, strips a trailing "agent" and case-folds it.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = agentSuffix.ReplaceAllString(name, "")
	return strings.ToLower(strings.TrimSpace(name))
}

// Confidence scores a detection independently of the pattern that fired.
// target is the normalized agent name.
func Confidence(text, target string) float64 {
	score := baseConfidence
	if jsonKeyPattern.MatchString(text) {
		score += jsonKeyBonus
	}
	if bracketPattern.MatchString(text) {
		score += bracketBonus
	}
	// text is matched as written, so "Billing" does not earn the bonus for target "billing".
	if target != "" && strings.Contains(text, target) {
		score += literalTargetBonus
	}
	if len(ambiguityPattern.FindAllStringIndex(text, -1)) > ambiguityThreshold {
		score -= ambiguityPenalty
	}
	score = math.Round(score*100) / 100
	return math.Min(score, 1.0)
}

func rosterIndex(roster []string) map[string]string {
	index := make(map[string]string, len(roster))
	for _, name := range roster {
		normalized := NormalizeName(name)
		if normalized == "" {
			continue
		}
		if _, exists := index[normalized]; !exists {
			index[normalized] = name
		}
	}
	return index
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// TransferToolName returns the function name used for a synthetic handoff call.
func TransferToolName(agent string) string {
	slug := strings.Trim(nonWord.ReplaceAllString(NormalizeName(agent), "_"), "_")
	return "transfer_to_" + slug
}
