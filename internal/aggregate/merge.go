// Package aggregate merges per-service subtask payloads into the main task's
// result and writes it durably. The merge is a pure function: reapplying it
// to the same unit results yields an identical aggregate.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/probeworks/gauntlet/internal/model"
)

// UnitResult is one subtask's terminal outcome as consumed by the merge.
type UnitResult struct {
	TaskID  uuid.UUID
	Service string
	Tools   []string
	Payload model.ServicePayload
	Err     error
}

// Succeeded reports whether the unit produced a usable payload.
func (r UnitResult) Succeeded() bool { return r.Err == nil }

// Merge implements the aggregation algorithm: partition units into succeeded
// and failed, flatten succeeded payloads into one per-tool map (tool names
// are unique per main task by construction, so no collisions are possible),
// bucket findings by severity with provenance intact, and record every failed
// unit as a degraded service. When nothing succeeded it returns
// model.ErrAllServicesFailed carrying every unit's error detail.
func Merge(results []UnitResult) (model.AggregatedResult, error) {
	sorted := append([]UnitResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Service < sorted[j].Service })

	var (
		succeeded []UnitResult
		degraded  []model.DegradedService
	)
	for _, r := range sorted {
		if r.Succeeded() {
			succeeded = append(succeeded, r)
			continue
		}
		degraded = append(degraded, model.DegradedService{
			Service:       r.Service,
			Kind:          model.FailureKindOf(r.Err),
			Detail:        r.Err.Error(),
			ToolsAffected: append([]string(nil), r.Tools...),
		})
	}

	if len(succeeded) == 0 {
		details := make([]string, len(degraded))
		for i, d := range degraded {
			details[i] = fmt.Sprintf("%s: %s", d.Service, d.Detail)
		}
		return model.AggregatedResult{}, fmt.Errorf("%w: %s", model.ErrAllServicesFailed, strings.Join(details, "; "))
	}

	overall := model.OverallCompleted
	if len(degraded) > 0 {
		overall = model.OverallWithWarnings
	}

	perTool := make(map[string]model.ToolStatus)
	bySeverity := make(map[model.Severity][]model.Finding)
	for _, r := range succeeded {
		tools := make([]string, 0, len(r.Payload.ToolResults))
		for tool := range r.Payload.ToolResults {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		for _, tool := range tools {
			tr := r.Payload.ToolResults[tool]
			perTool[tool] = model.ToolStatus{
				Status:       tr.Status,
				ExitCode:     tr.ExitCode,
				FindingCount: len(tr.Findings),
				Service:      r.Service,
			}
			for _, f := range tr.Findings {
				sev := model.ParseSeverity(string(f.Severity))
				f.Severity = sev
				bySeverity[sev] = append(bySeverity[sev], f)
			}
		}
	}
	for sev := range bySeverity {
		sortFindings(bySeverity[sev])
	}

	return model.AggregatedResult{
		PerToolStatus:      perTool,
		FindingsBySeverity: bySeverity,
		DegradedServices:   degraded,
		OverallStatus:      overall,
	}, nil
}

// sortFindings orders findings deterministically so repeated merges of the
// same payloads are byte-identical.
func sortFindings(fs []model.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Message < b.Message
	})
}
