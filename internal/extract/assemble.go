package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"chemd/internal/stage"
)

// assembleStage collects the per-stage artifacts into the result
// document, writes it under the results dir and records the summary on
// the document. Essential and always last in the pipeline.
type assembleStage struct {
	resultsDir string
}

func (assembleStage) ID() string                   { return StageAssemble }
func (assembleStage) Capability() stage.Capability { return stage.Capability{} }

func (s assembleStage) Run(ctx context.Context, doc *stage.Document) error {
	result := ResultDocument{
		TaskID:   doc.TaskID,
		Filename: filepath.Base(doc.PDFPath),
	}
	if info, ok := doc.Artifacts[StageDecode].(decodeInfo); ok {
		result.Pages = info.Pages
	}
	result.Molecules, _ = doc.Artifacts[StageMolecules].([]Molecule)
	result.Reactions, _ = doc.Artifacts[StageReactions].([]Reaction)
	result.Figures, _ = doc.Artifacts[StageFigures].([]Figure)
	result.Tables, _ = doc.Artifacts[StageTables].([]Table)
	result.Coreferences, _ = doc.Artifacts[StageCorefs].([]Coreference)
	result.RGroups, _ = doc.Artifacts[StageRGroup].([]RGroup)

	if err := os.MkdirAll(s.resultsDir, 0o755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}
	path := ResultPath(s.resultsDir, doc.TaskID)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing result artifact: %w", err)
	}
	doc.ResultFile = path
	doc.Summary = result.Summarize()
	return nil
}

// ResultPath is the canonical artifact location for a task.
func ResultPath(resultsDir, taskID string) string {
	return filepath.Join(resultsDir, taskID+"_results.json")
}
