package aggregate_test

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/probeworks/gauntlet/internal/aggregate"
	"github.com/probeworks/gauntlet/internal/model"
)

func unitOK(service string, tools map[string]model.ToolResult) aggregate.UnitResult {
	names := make([]string, 0, len(tools))
	for tool := range tools {
		names = append(names, tool)
	}
	return aggregate.UnitResult{
		TaskID:  uuid.New(),
		Service: service,
		Tools:   names,
		Payload: model.ServicePayload{Service: service, ToolResults: tools},
	}
}

func unitFailed(service string, tools []string, err error) aggregate.UnitResult {
	return aggregate.UnitResult{
		TaskID:  uuid.New(),
		Service: service,
		Tools:   tools,
		Err:     err,
	}
}

func finding(msg string, sev model.Severity, tool, service string) model.Finding {
	return model.Finding{Message: msg, Severity: sev, Tool: tool, Service: service}
}

func TestMergeAllSucceeded(t *testing.T) {
	t.Parallel()

	agg, err := aggregate.Merge([]aggregate.UnitResult{
		unitOK("scanner", map[string]model.ToolResult{
			"sast": {Status: model.ToolStatusPassed, Findings: []model.Finding{
				finding("weak hash", model.SeverityHigh, "sast", "scanner"),
			}},
			"secrets": {Status: model.ToolStatusFailed, ExitCode: 2, Findings: []model.Finding{
				finding("aws key", model.SeverityCritical, "secrets", "scanner"),
				finding("token", model.SeverityHigh, "secrets", "scanner"),
			}},
		}),
		unitOK("prober", map[string]model.ToolResult{
			"dast": {Status: model.ToolStatusPassed},
		}),
	})
	require.NoError(t, err)

	require.Equal(t, model.OverallCompleted, agg.OverallStatus)
	require.Empty(t, agg.DegradedServices)
	require.Len(t, agg.PerToolStatus, 3)
	require.Equal(t, "scanner", agg.PerToolStatus["sast"].Service)
	require.Equal(t, 2, agg.PerToolStatus["secrets"].FindingCount)
	require.Equal(t, 2, agg.PerToolStatus["secrets"].ExitCode)
	require.Equal(t, 3, agg.TotalFindings())
	require.Len(t, agg.FindingsBySeverity[model.SeverityHigh], 2)
	require.Len(t, agg.FindingsBySeverity[model.SeverityCritical], 1)
}

func TestMergePartialFailure(t *testing.T) {
	t.Parallel()

	agg, err := aggregate.Merge([]aggregate.UnitResult{
		unitOK("scanner", map[string]model.ToolResult{
			"sast": {Status: model.ToolStatusPassed},
		}),
		unitFailed("prober", []string{"dast", "fuzz"},
			fmt.Errorf("%w: unit abandoned", model.ErrTimeout)),
	})
	require.NoError(t, err)

	require.Equal(t, model.OverallWithWarnings, agg.OverallStatus)
	require.Len(t, agg.DegradedServices, 1)

	d := agg.DegradedServices[0]
	require.Equal(t, "prober", d.Service)
	require.Equal(t, model.FailureTimeout, d.Kind)
	require.Equal(t, []string{"dast", "fuzz"}, d.ToolsAffected)
	require.Contains(t, d.Detail, "abandoned")

	// The surviving tool is still present.
	require.Contains(t, agg.PerToolStatus, "sast")
	require.NotContains(t, agg.PerToolStatus, "dast")
}

func TestMergeAllFailed(t *testing.T) {
	t.Parallel()

	_, err := aggregate.Merge([]aggregate.UnitResult{
		unitFailed("scanner", []string{"sast"}, fmt.Errorf("%w: boom", model.ErrInternal)),
		unitFailed("prober", []string{"dast"}, fmt.Errorf("%w: no terminal", model.ErrNoTerminalResponse)),
	})
	require.ErrorIs(t, err, model.ErrAllServicesFailed)
	// Every unit's detail survives into the error.
	require.ErrorContains(t, err, "scanner")
	require.ErrorContains(t, err, "prober")
}

func TestMergeIsDeterministic(t *testing.T) {
	t.Parallel()

	a := unitOK("scanner", map[string]model.ToolResult{
		"sast": {Status: model.ToolStatusPassed, Findings: []model.Finding{
			finding("b", model.SeverityLow, "sast", "scanner"),
			finding("a", model.SeverityLow, "sast", "scanner"),
		}},
	})
	b := unitFailed("prober", []string{"dast"}, fmt.Errorf("%w: x", model.ErrTimeout))
	c := unitOK("hunter", map[string]model.ToolResult{
		"secrets": {Status: model.ToolStatusPassed, Findings: []model.Finding{
			finding("c", model.SeverityLow, "secrets", "hunter"),
		}},
	})

	first, err := aggregate.Merge([]aggregate.UnitResult{a, b, c})
	require.NoError(t, err)
	second, err := aggregate.Merge([]aggregate.UnitResult{c, a, b})
	require.NoError(t, err)

	require.Equal(t, first, second)
	low := first.FindingsBySeverity[model.SeverityLow]
	require.Len(t, low, 3)
	require.Equal(t, "c", low[0].Message) // hunter sorts before scanner
	require.Equal(t, "a", low[1].Message)
	require.Equal(t, "b", low[2].Message)
}

func TestMergeUnknownSeverityBucket(t *testing.T) {
	t.Parallel()

	agg, err := aggregate.Merge([]aggregate.UnitResult{
		unitOK("scanner", map[string]model.ToolResult{
			"sast": {Status: model.ToolStatusPassed, Findings: []model.Finding{
				{Message: "odd", Severity: "catastrophic", Tool: "sast", Service: "scanner"},
			}},
		}),
	})
	require.NoError(t, err)
	require.Len(t, agg.FindingsBySeverity[model.SeverityUnknown], 1)
	require.Equal(t, model.SeverityUnknown, agg.FindingsBySeverity[model.SeverityUnknown][0].Severity)
}
