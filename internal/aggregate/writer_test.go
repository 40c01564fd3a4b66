package aggregate_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/probeworks/gauntlet/internal/aggregate"
	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/task"
)

func TestWriterLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := aggregate.NewWriter(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	main := task.NewMain("repo", []string{"sast", "dast"})
	ok := unitOK("scanner", map[string]model.ToolResult{
		"sast": {Status: model.ToolStatusPassed, Findings: []model.Finding{
			finding("weak hash", model.SeverityHigh, "sast", "scanner"),
		}},
	})
	failed := unitFailed("prober", []string{"dast"}, fmt.Errorf("%w: gone", model.ErrTimeout))

	units := []aggregate.UnitResult{ok, failed}
	agg, err := aggregate.Merge(units)
	require.NoError(t, err)
	require.NoError(t, w.Write(t.Context(), main, agg, units))

	taskDir := filepath.Join(dir, main.ID.String())

	// Succeeded units get a snapshot, failed ones do not.
	require.FileExists(t, filepath.Join(taskDir, "scanner.json"))
	require.NoFileExists(t, filepath.Join(taskDir, "prober.json"))
	require.FileExists(t, filepath.Join(taskDir, "result.json"))
	require.FileExists(t, filepath.Join(taskDir, "findings.cdx.json"))
	require.FileExists(t, filepath.Join(taskDir, "manifest.json"))

	var snapshot model.ServicePayload
	raw, err := os.ReadFile(filepath.Join(taskDir, "scanner.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	require.Equal(t, ok.Payload, snapshot)

	var doc aggregate.Document
	raw, err = os.ReadFile(filepath.Join(taskDir, "result.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, main.ID.String(), doc.Metadata.TaskID)
	require.Equal(t, "repo", doc.Metadata.Target)
	require.Equal(t, model.OverallWithWarnings, doc.Summary.OverallStatus)
	require.Equal(t, 1, doc.Summary.TotalFindings)
	require.Equal(t, 1, doc.Summary.DegradedServices)
	require.Len(t, doc.Results.DegradedServices, 1)

	var manifest aggregate.Manifest
	raw, err = os.ReadFile(filepath.Join(taskDir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.Equal(t, "result.json", manifest.Consolidated)
	require.Equal(t, []aggregate.SnapshotEntry{{File: "scanner.json", Service: "scanner"}}, manifest.Snapshots)
	for name, size := range manifest.SizesBytes {
		info, err := os.Stat(filepath.Join(taskDir, name))
		require.NoError(t, err)
		require.Equal(t, info.Size(), size)
	}
}

func TestWriterBOM(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := aggregate.NewWriter(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	main := task.NewMain("registry.example/app:2.1", []string{"secrets"})
	units := []aggregate.UnitResult{
		unitOK("hunter", map[string]model.ToolResult{
			"secrets": {Status: model.ToolStatusFailed, ExitCode: 1, Findings: []model.Finding{
				{Message: "aws key", RuleID: "AWS-001", Severity: model.SeverityCritical,
					Location: "main.go:3", Tool: "secrets", Service: "hunter"},
			}},
		}),
	}
	agg, err := aggregate.Merge(units)
	require.NoError(t, err)
	require.NoError(t, w.Write(t.Context(), main, agg, units))

	raw, err := os.ReadFile(filepath.Join(dir, main.ID.String(), "findings.cdx.json"))
	require.NoError(t, err)

	var bom map[string]any
	require.NoError(t, json.Unmarshal(raw, &bom))
	require.Equal(t, "CycloneDX", bom["bomFormat"])
	require.Equal(t, "urn:uuid:"+main.ID.String(), bom["serialNumber"])

	vulns, ok := bom["vulnerabilities"].([]any)
	require.True(t, ok)
	require.Len(t, vulns, 1)
	vuln := vulns[0].(map[string]any)
	require.Equal(t, "AWS-001", vuln["id"])
	require.Equal(t, "aws key", vuln["description"])
}

func TestWriterDiscard(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := aggregate.NewWriter(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	main := task.NewMain("repo", []string{"sast"})
	units := []aggregate.UnitResult{unitOK("scanner", map[string]model.ToolResult{"sast": {}})}
	agg, err := aggregate.Merge(units)
	require.NoError(t, err)
	require.NoError(t, w.Write(t.Context(), main, agg, units))
	require.DirExists(t, filepath.Join(dir, main.ID.String()))

	require.NoError(t, w.Discard(main.ID.String()))
	require.NoDirExists(t, filepath.Join(dir, main.ID.String()))

	// Discarding twice is a no-op.
	require.NoError(t, w.Discard(main.ID.String()))
}
