package classify

import "strings"

// Kind is the control meaning of one scanner output line
type Kind string

const (
	KindPlainLine     Kind = "plain_line"
	KindRateLimitWait Kind = "rate_limit_wait"
	KindHitDetected   Kind = "hit_detected"
	KindCompleted     Kind = "completed"
)

// Markers printed by the scanner
const (
	DefaultRateLimitMarker = "[GUI_WAIT_300]"
	DefaultHitMarker       = "HIT"
	DefaultCompletedMarker = "完了"
)

// Markers are the sentinel substrings recognized in the output stream
type Markers struct {
	RateLimit string `yaml:"rate_limit"`
	Hit       string `yaml:"hit"`
	Completed string `yaml:"completed"`
}

func DefaultMarkers() Markers {
	return Markers{
		RateLimit: DefaultRateLimitMarker,
		Hit:       DefaultHitMarker,
		Completed: DefaultCompletedMarker,
	}
}

// Result is the classification of one line
type Result struct {
	Kind Kind
	Text string
}

// Classifier is stateless and safe for concurrent use
type Classifier struct {
	markers Markers
}

func NewClassifier(markers Markers) Classifier {
	return Classifier{markers: markers}
}

// Classify returns the first matching kind in priority order:
// rate-limit wait, hit, completed, plain line.
// Matching is case-sensitive substring containment with no word boundaries.
func (c Classifier) Classify(line string) Result {
	switch {
	case contains(line, c.markers.RateLimit):
		return Result{Kind: KindRateLimitWait, Text: line}
	case contains(line, c.markers.Hit):
		return Result{Kind: KindHitDetected, Text: line}
	case contains(line, c.markers.Completed):
		return Result{Kind: KindCompleted, Text: line}
	default:
		return Result{Kind: KindPlainLine, Text: line}
	}
}

// Classify uses the default markers
func Classify(line string) Result {
	return NewClassifier(DefaultMarkers()).Classify(line)
}

func contains(line, marker string) bool {
	return marker != "" && strings.Contains(line, marker)
}
