package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/task"
)

// File names inside a main task's result directory.
const (
	consolidatedFile = "result.json"
	manifestFile     = "manifest.json"
	cdxFile          = "findings.cdx.json"
)

// Manifest lists every file written for a main task, with sizes, so readers
// never have to guess the directory layout.
type Manifest struct {
	Consolidated string          `json:"consolidated"`
	Findings     string          `json:"findings_bom,omitempty"`
	Snapshots    []SnapshotEntry `json:"snapshots"`
	SizesBytes   map[string]int64 `json:"sizes_bytes"`
}

// SnapshotEntry references one service's raw payload snapshot.
type SnapshotEntry struct {
	File    string `json:"file"`
	Service string `json:"service"`
}

// Document is the consolidated result: metadata about the run, a summary for
// quick scanning, and the full aggregated result.
type Document struct {
	Metadata Metadata               `json:"metadata"`
	Summary  Summary                `json:"summary"`
	Results  model.AggregatedResult `json:"results"`
}

type Metadata struct {
	TaskID         string    `json:"task_id"`
	Target         string    `json:"target"`
	RequestedTools []string  `json:"requested_tools"`
	CreatedAt      time.Time `json:"created_at"`
	GeneratedAt    time.Time `json:"generated_at"`
}

type Summary struct {
	OverallStatus    model.OverallStatus    `json:"overall_status"`
	TotalFindings    int                    `json:"total_findings"`
	BySeverity       map[model.Severity]int `json:"findings_by_severity"`
	ByTool           map[string]int         `json:"findings_by_tool"`
	DegradedServices int                    `json:"degraded_services"`
}

// Writer persists aggregated results below a single results directory, one
// subdirectory per main task id.
type Writer struct {
	root *os.Root
}

// NewWriter opens (creating if needed) the results directory. All writes stay
// confined below it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening results dir: %w", err)
	}
	return &Writer{root: root}, nil
}

func (w *Writer) Close() error {
	if w.root == nil {
		return errors.New("writer already closed")
	}
	err := w.root.Close()
	w.root = nil
	return err
}

// Write persists one main task's result directory: raw per-service snapshots
// first, then the consolidated document and findings BOM, and the manifest
// last so it can reference every file with its final size. The caller commits
// the main task's terminal transition only after Write returns, which keeps
// "COMPLETED" and "result retrievable" inseparable.
func (w *Writer) Write(ctx context.Context, main task.Task, agg model.AggregatedResult, units []UnitResult) error {
	if w.root == nil {
		return errors.New("writer already closed")
	}

	dir := main.ID.String()
	if err := w.root.Mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("creating result dir for %s: %w", main.ID, err)
	}

	sizes := make(map[string]int64)
	var snapshots []SnapshotEntry
	for _, u := range units {
		if !u.Succeeded() {
			continue
		}
		name := u.Service + ".json"
		n, err := w.writeJSON(path.Join(dir, name), u.Payload)
		if err != nil {
			return fmt.Errorf("writing snapshot for %s: %w", u.Service, err)
		}
		snapshots = append(snapshots, SnapshotEntry{File: name, Service: u.Service})
		sizes[name] = n
	}

	doc := Document{
		Metadata: Metadata{
			TaskID:         main.ID.String(),
			Target:         main.Target,
			RequestedTools: main.RequestedTools,
			CreatedAt:      main.CreatedAt,
			GeneratedAt:    time.Now().UTC(),
		},
		Summary: summarize(agg),
		Results: agg,
	}
	n, err := w.writeJSON(path.Join(dir, consolidatedFile), doc)
	if err != nil {
		return fmt.Errorf("writing consolidated result for %s: %w", main.ID, err)
	}
	sizes[consolidatedFile] = n

	n, err = w.writeBOM(path.Join(dir, cdxFile), main, agg)
	if err != nil {
		return fmt.Errorf("writing findings BOM for %s: %w", main.ID, err)
	}
	sizes[cdxFile] = n

	manifest := Manifest{
		Consolidated: consolidatedFile,
		Findings:     cdxFile,
		Snapshots:    snapshots,
		SizesBytes:   sizes,
	}
	if _, err := w.writeJSON(path.Join(dir, manifestFile), manifest); err != nil {
		return fmt.Errorf("writing manifest for %s: %w", main.ID, err)
	}

	slog.InfoContext(ctx, "result persisted", "task_id", main.ID.String(), "dir", dir)
	return nil
}

// Discard removes a main task's result directory. It exists for the one race
// the engine cannot prevent: a cancellation that lands between persisting the
// result and committing the terminal transition. A cancelled task must never
// leave a retrievable result behind.
func (w *Writer) Discard(id string) error {
	if w.root == nil {
		return errors.New("writer already closed")
	}
	if _, err := w.root.Stat(id); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	var files, dirs []string
	err := fs.WalkDir(w.root.FS(), id, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking result dir %s: %w", id, err)
	}
	for _, f := range files {
		if err := w.root.Remove(f); err != nil {
			return err
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := w.root.Remove(dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeJSON(name string, v any) (int64, error) {
	f, err := w.root.Create(name)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
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

func summarize(agg model.AggregatedResult) Summary {
	bySev := make(map[model.Severity]int, len(agg.FindingsBySeverity))
	byTool := make(map[string]int)
	for sev, fs := range agg.FindingsBySeverity {
		bySev[sev] = len(fs)
		for _, f := range fs {
			byTool[f.Tool]++
		}
	}
	return Summary{
		OverallStatus:    agg.OverallStatus,
		TotalFindings:    agg.TotalFindings(),
		BySeverity:       bySev,
		ByTool:           byTool,
		DegradedServices: len(agg.DegradedServices),
	}
}
