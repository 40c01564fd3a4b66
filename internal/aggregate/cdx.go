package aggregate

import (
	"io"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/task"
)

// writeBOM renders the merged findings as a CycloneDX document so BOM-aware
// tooling can consume engine results without knowing the consolidated layout.
func (w *Writer) writeBOM(name string, main task.Task, agg model.AggregatedResult) (int64, error) {
	f, err := w.root.Create(name)
	if err != nil {
		return 0, err
	}
	if err := encodeBOM(f, main, agg); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	info, err := w.root.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func encodeBOM(out io.Writer, main task.Task, agg model.AggregatedResult) error {
	vulns := make([]cdx.Vulnerability, 0, agg.TotalFindings())
	for _, sev := range model.Severities() {
		for _, finding := range agg.FindingsBySeverity[sev] {
			rating := []cdx.VulnerabilityRating{{Severity: cdxSeverity(sev)}}
			affects := []cdx.Affects{{Ref: main.Target}}
			vulns = append(vulns, cdx.Vulnerability{
				ID:          finding.RuleID,
				Description: finding.Message,
				Detail:      finding.Location,
				Source:      &cdx.Source{Name: finding.Tool},
				Ratings:     &rating,
				Affects:     &affects,
			})
		}
	}

	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + main.ID.String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Component: &cdx.Component{
				Type: cdx.ComponentTypeApplication,
				Name: main.Target,
			},
		},
		Vulnerabilities: &vulns,
	}

	return cdx.NewBOMEncoder(out, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

func cdxSeverity(sev model.Severity) cdx.Severity {
	switch sev {
	case model.SeverityCritical:
		return cdx.SeverityCritical
	case model.SeverityHigh:
		return cdx.SeverityHigh
	case model.SeverityMedium:
		return cdx.SeverityMedium
	case model.SeverityLow:
		return cdx.SeverityLow
	case model.SeverityInfo:
		return cdx.SeverityInfo
	default:
		return cdx.SeverityUnknown
	}
}
