package model

// Severity buckets findings in the aggregated result. The set is fixed and
// ordered from most to least severe; anything a service reports outside of
// it normalizes to SeverityUnknown.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// Severities returns all severities ordered from most to least severe.
func Severities() []Severity {
	return []Severity{
		SeverityCritical,
		SeverityHigh,
		SeverityMedium,
		SeverityLow,
		SeverityInfo,
		SeverityUnknown,
	}
}

// ParseSeverity normalizes a service-reported severity string.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return Severity(s)
	default:
		return SeverityUnknown
	}
}

// Finding is one reported issue with its provenance. Tool and Service are
// filled in during the merge so every finding stays traceable after payloads
// are flattened together.
type Finding struct {
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"` // path, URL, endpoint or similar
	RuleID   string   `json:"rule_id,omitempty"`
	Severity Severity `json:"severity"`
	Tool     string   `json:"tool,omitempty"`
	Service  string   `json:"service,omitempty"`
}
