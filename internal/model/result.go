package model

// OverallStatus is the aggregated verdict of a main task.
type OverallStatus string

const (
	OverallCompleted    OverallStatus = "COMPLETED"
	OverallWithWarnings OverallStatus = "COMPLETED_WITH_WARNINGS"
	OverallFailed       OverallStatus = "FAILED"
)

// ToolStatus is the per-tool entry of the merged result.
type ToolStatus struct {
	Status       string `json:"status"`
	ExitCode     int    `json:"exit_code"`
	FindingCount int    `json:"finding_count"`
	Service      string `json:"service"`
}

// DegradedService records one subtask that did not complete successfully,
// with the tools that consequently have no result.
type DegradedService struct {
	Service       string      `json:"service_name"`
	Kind          FailureKind `json:"failure_kind"`
	Detail        string      `json:"detail,omitempty"`
	ToolsAffected []string    `json:"tools_affected"`
}

// AggregatedResult is the main task's result: every succeeded subtask's
// payload merged flat, findings bucketed by severity, and full visibility
// into which services degraded. Partial success is never silently dropped.
type AggregatedResult struct {
	PerToolStatus      map[string]ToolStatus  `json:"per_tool_status"`
	FindingsBySeverity map[Severity][]Finding `json:"findings_by_severity"`
	DegradedServices   []DegradedService      `json:"degraded_services"`
	OverallStatus      OverallStatus          `json:"overall_status"`
}

// TotalFindings counts findings across all severities.
func (r AggregatedResult) TotalFindings() int {
	var n int
	for _, fs := range r.FindingsBySeverity {
		n += len(fs)
	}
	return n
}
