package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Priority(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected Kind
	}{
		{"plain", "scanning https://livepocket.jp/e/abc", KindPlainLine},
		{"empty", "", KindPlainLine},
		{"rate limit", "[GUI_WAIT_300] rate limited", KindRateLimitWait},
		{"hit", "HIT 123", KindHitDetected},
		{"completed", "チェック完了", KindCompleted},
		{"rate limit beats hit", "HIT [GUI_WAIT_300]", KindRateLimitWait},
		{"rate limit beats completed", "完了 [GUI_WAIT_300]", KindRateLimitWait},
		{"hit beats completed", "完了 HIT", KindHitDetected},
		{"all three", "[GUI_WAIT_300] HIT 完了", KindRateLimitWait},
		{"substring hit inside word", "WHITELIST loaded", KindHitDetected},
		{"case sensitive hit", "hit 123", KindPlainLine},
		{"partial rate marker", "[GUI_WAIT_30] x", KindPlainLine},
		{"lowercase rate marker", "[gui_wait_300]", KindPlainLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify(tt.line)
			assert.Equal(t, tt.expected, result.Kind)
			assert.Equal(t, tt.line, result.Text)
		})
	}
}

func TestClassify_RateLimitAlwaysWinsOverHit(t *testing.T) {
	fragments := []string{"", "x", "HIT", " HIT ", "完了", "line"}
	for _, before := range fragments {
		for _, after := range fragments {
			line := before + "HIT" + before + DefaultRateLimitMarker + after
			assert.Equal(t, KindRateLimitWait, Classify(line).Kind, "line %q", line)

			line = after + DefaultRateLimitMarker + "HIT" + before
			assert.Equal(t, KindRateLimitWait, Classify(line).Kind, "line %q", line)
		}
	}
}

func TestClassifier_CustomMarkers(t *testing.T) {
	classifier := NewClassifier(Markers{
		RateLimit: "<<WAIT>>",
		Hit:       "FOUND",
		Completed: "DONE",
	})

	assert.Equal(t, KindRateLimitWait, classifier.Classify("<<WAIT>> FOUND").Kind)
	assert.Equal(t, KindHitDetected, classifier.Classify("FOUND: 1").Kind)
	assert.Equal(t, KindCompleted, classifier.Classify("DONE").Kind)
	assert.Equal(t, KindPlainLine, classifier.Classify("HIT [GUI_WAIT_300] 完了").Kind)
}

func TestClassifier_EmptyMarkersNeverMatch(t *testing.T) {
	classifier := NewClassifier(Markers{Hit: "HIT"})

	assert.Equal(t, KindPlainLine, classifier.Classify("anything").Kind)
	assert.Equal(t, KindHitDetected, classifier.Classify("HIT").Kind)
}
