package classification

// Verdict is the binary quality outcome returned by the ML service.
type Verdict string

const (
	VerdictGood Verdict = "Good"
	VerdictBad  Verdict = "Bad"
)

// ParseVerdict accepts only the exact literals "Good" and "Bad".
func ParseVerdict(s string) (Verdict, bool) {
	switch Verdict(s) {
	case VerdictGood, VerdictBad:
		return Verdict(s), true
	}
	return "", false
}

// Result is the canonical outcome of one classification request.
type Result struct {
	Verdict               Verdict  `json:"result"`
	Confidence            float64  `json:"confidence"`
	ProcessingTimeSeconds *float64 `json:"processing_time,omitempty"`
	DemoMode              *bool    `json:"demo_mode,omitempty"`
}
