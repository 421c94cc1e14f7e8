package handoff

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roster = []string{"Support", "Billing"}

func TestDetect_JSONKey(t *testing.T) {
	d := NewDetector()
	res := d.Detect(`I can help. {"handoff_to": "Support"}`, roster)

	require.True(t, res.Found)
	assert.Equal(t, "Support", res.Target)
	assert.Equal(t, MethodJSON, res.Method)
	assert.Equal(t, 0, res.PatternIndex)
	assert.GreaterOrEqual(t, res.Confidence, 0.8)
}

func TestDetect_NaturalLanguage(t *testing.T) {
	d := NewDetector()
	res := d.Detect("Transfer to Billing", roster)

	require.True(t, res.Found)
	assert.Equal(t, "Billing", res.Target)
	assert.Equal(t, MethodNaturalLanguage, res.Method)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
}

func TestDetect_UnknownTargetFallsThrough(t *testing.T) {
	d := NewDetector()
	res := d.Detect(`{"handoff_to": "Unknown"}`, []string{"Support"})

	assert.False(t, res.Found)
	assert.Empty(t, res.Target)
	assert.Equal(t, -1, res.PatternIndex)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Attempts)
	assert.Equal(t, int64(0), stats.Successes)
	assert.Empty(t, stats.PatternHits)
}

func TestDetect_RosterMissContinuesToLaterPatterns(t *testing.T) {
	d := NewDetector()
	res := d.Detect(`{"handoff_to": "Sales"} otherwise [TRANSFER:Billing]`, roster)

	require.True(t, res.Found)
	assert.Equal(t, "Billing", res.Target)
	assert.Equal(t, MethodBracket, res.Method)
	assert.Equal(t, 1, res.PatternIndex)
	// base + json key + bracket directive
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestDetect_PrecedenceAcrossPatterns(t *testing.T) {
	d := NewDetector()
	res := d.Detect(`transfer to Support. [HANDOFF:Billing]`, roster)
	require.True(t, res.Found)
	assert.Equal(t, "Billing", res.Target, "bracket directive outranks natural language")
	assert.Equal(t, MethodBracket, res.Method)
}

func TestDetect_Encodings(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		target string
		method string
	}{
		{"bracket handoff", "[HANDOFF:Support]", "Support", MethodBracket},
		{"bracket transfer spaced", "[transfer: billing agent]", "Billing", MethodBracket},
		{"transfer_to json", `{"transfer_to":"BillingAgent"}`, "Billing", MethodJSON},
		{"natural with agent suffix", "I'll transfer you to the support agent now.", "Support", MethodNaturalLanguage},
		{"hand off", "Let me hand off to Billing.", "Billing", MethodNaturalLanguage},
		{"call style", `handoff("Support")`, "Support", MethodCall},
		{"call style single quotes", `transfer_to('billing')`, "Billing", MethodCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewDetector().Detect(tt.text, roster)
			require.True(t, res.Found, tt.text)
			assert.Equal(t, tt.target, res.Target)
			assert.Equal(t, tt.method, res.Method)
		})
	}
}

func TestDetect_NoDirective(t *testing.T) {
	d := NewDetector()
	for _, text := range []string{"", "   ", "Happy to help with your invoice.", "transfer"} {
		res := d.Detect(text, roster)
		assert.False(t, res.Found, text)
	}
	assert.False(t, d.Detect("[HANDOFF:Support]", nil).Found)
	assert.Equal(t, int64(5), d.Stats().Attempts)
}

func TestDetect_IdempotentButCountsAttempts(t *testing.T) {
	d := NewDetector()
	text := "Transfer to Billing"

	first := d.Detect(text, roster)
	second := d.Detect(text, roster)
	third := d.Detect(text, roster)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, int64(3), stats.Successes)
	assert.Equal(t, map[int]int64{2: 3}, stats.PatternHits)
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, Confidence("Transfer to Billing", "billing"), 1e-9)
	assert.InDelta(t, 0.7, Confidence("transfer to billing", "billing"), 1e-9)
	assert.InDelta(t, 0.7, Confidence("[HANDOFF:Support]", "support"), 1e-9)
	assert.InDelta(t, 1.0, Confidence(`{"handoff_to":"support"} [HANDOFF:support]`, "support"), 1e-9)
	assert.InDelta(t, 0.4, Confidence("agent agent transfer handoff", "billing"), 1e-9)
	assert.InDelta(t, 0.5, Confidence("agent transfer handoff", "billing"), 1e-9)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "support", NormalizeName("  Support Agent "))
	assert.Equal(t, "billing", NormalizeName("BillingAgent"))
	assert.Equal(t, "billing", NormalizeName("billing_agent"))
	assert.Equal(t, "sales-team", NormalizeName("Sales-Team"))
	assert.Equal(t, "", NormalizeName("agent"))
}

func TestTransferToolName(t *testing.T) {
	assert.Equal(t, "transfer_to_support", TransferToolName("Support Agent"))
	assert.Equal(t, "transfer_to_billing_team", TransferToolName("Billing Team"))
}

func TestReset(t *testing.T) {
	d := NewDetector()
	d.Detect("[HANDOFF:Support]", roster)
	d.Reset()

	stats := d.Stats()
	assert.Zero(t, stats.Attempts)
	assert.Zero(t, stats.Successes)
	assert.Empty(t, stats.PatternHits)
}

func TestStatsSnapshotIsACopy(t *testing.T) {
	d := NewDetector()
	d.Detect("[HANDOFF:Support]", roster)
	snap := d.Stats()
	snap.PatternHits[1] = 99
	assert.Equal(t, int64(1), d.Stats().PatternHits[1])
}

func TestDetect_ConcurrentCallers(t *testing.T) {
	d := NewDetector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Detect("[HANDOFF:Support]", roster)
			d.Detect("nothing here", roster)
		}()
	}
	wg.Wait()

	stats := d.Stats()
	assert.Equal(t, int64(100), stats.Attempts)
	assert.Equal(t, int64(50), stats.Successes)
	assert.Equal(t, int64(50), stats.PatternHits[1])
}

type fakeSink struct {
	mu       sync.Mutex
	records  []int
	resets   int
	failNext bool
}

func (s *fakeSink) Record(_ context.Context, patternIndex int, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("redis down")
	}
	if success {
		s.records = append(s.records, patternIndex)
	} else {
		s.records = append(s.records, -1)
	}
	return nil
}

func (s *fakeSink) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func TestDetect_MirrorsToSinkAndToleratesFailures(t *testing.T) {
	sink := &fakeSink{failNext: true}
	d := NewDetector(WithStatsSink(sink), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	first := d.Detect("[HANDOFF:Support]", roster)
	assert.True(t, first.Found)
	d.Detect("[HANDOFF:Support]", roster)
	d.Detect("no directive", roster)
	d.Reset()

	assert.Equal(t, []int{1, -1}, sink.records)
	assert.Equal(t, 1, sink.resets)
}

func TestStatsFromHash(t *testing.T) {
	stats := statsFromHash(map[string]string{
		"attempts":  "10",
		"successes": "4",
		"pattern:0": "3",
		"pattern:2": "1",
		"pattern:x": "9",
		"garbage":   "nan",
	})
	assert.Equal(t, int64(10), stats.Attempts)
	assert.Equal(t, int64(4), stats.Successes)
	assert.Equal(t, map[int]int64{0: 3, 2: 1}, stats.PatternHits)
}

func TestRedisStatsSinkKey(t *testing.T) {
	assert.Equal(t, "raaf:handoff:stats", NewRedisStatsSinkFromClient(nil, "", 0).Key())
	assert.Equal(t, "gw:stats", NewRedisStatsSinkFromClient(nil, "gw:", 0).Key())

	_, err := NewRedisStatsSink(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
