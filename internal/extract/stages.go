package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"chemd/internal/stage"
)

// Stage ids, in canonical pipeline order.
const (
	StageDecode    = "decode"
	StageFigures   = "figures"
	StageMolecules = "molecules"
	StageReactions = "reactions"
	StageTables    = "tables"
	StageCorefs    = "corefs"
	StageRGroup    = "rgroup"
	StageAssemble  = "assemble"
)

// decodeInfo is the decode stage artifact consumed by later stages.
type decodeInfo struct {
	Pages int
	Bytes int64
}

// decodeStage validates and sizes the uploaded PDF. Essential: a
// document that cannot be decoded fails the task.
type decodeStage struct{}

func (decodeStage) ID() string                   { return StageDecode }
func (decodeStage) Capability() stage.Capability { return stage.Capability{} }

func (decodeStage) Run(ctx context.Context, doc *stage.Document) error {
	f, err := os.Open(doc.PDFPath)
	if err != nil {
		return fmt.Errorf("opening document: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := make([]byte, 5)
	if _, err := f.Read(header); err != nil || !bytes.Equal(header, []byte("%PDF-")) {
		return stage.ErrBadInput("not a PDF document")
	}
	raw, err := os.ReadFile(doc.PDFPath)
	if err != nil {
		return err
	}
	pages := bytes.Count(raw, []byte("/Type /Page")) + bytes.Count(raw, []byte("/Type/Page")) -
		bytes.Count(raw, []byte("/Type /Pages")) - bytes.Count(raw, []byte("/Type/Pages"))
	if pages < 1 {
		pages = 1
	}
	doc.Artifacts[StageDecode] = decodeInfo{Pages: pages, Bytes: info.Size()}
	return nil
}

// runtime extracts the borrowed model runtime from the document.
func runtime(doc *stage.Document) (*ModelRuntime, error) {
	rt, ok := doc.Model.(*ModelRuntime)
	if !ok || rt == nil {
		return nil, fmt.Errorf("no model runtime borrowed for task %s", doc.TaskID)
	}
	return rt, nil
}

// extractRequest is the common inference payload: the server reads the
// document from the shared upload volume.
type extractRequest struct {
	PDFPath      string `json:"pdf_path"`
	OutputBBox   bool   `json:"output_bbox"`
	OutputImages bool   `json:"output_images"`
}

func requestFor(doc *stage.Document) extractRequest {
	return extractRequest{
		PDFPath:      doc.PDFPath,
		OutputBBox:   doc.Options.OutputBBox,
		OutputImages: doc.Options.OutputImages,
	}
}

// modelStage is the shared shape of the model-backed extraction stages:
// borrow the declared model, send one predict call, store the artifact.
type modelStage struct {
	id    string
	model string
	run   func(ctx context.Context, rt *ModelRuntime, doc *stage.Document) error
}

func (s modelStage) ID() string { return s.id }

func (s modelStage) Capability() stage.Capability {
	return stage.Capability{ModelKey: s.model, MemMB: MemMBFor(s.model)}
}

func (s modelStage) Run(ctx context.Context, doc *stage.Document) error {
	rt, err := runtime(doc)
	if err != nil {
		return err
	}
	return s.run(ctx, rt, doc)
}

func figuresStage() stage.Stage {
	return modelStage{id: StageFigures, model: ModelMolDetect, run: func(ctx context.Context, rt *ModelRuntime, doc *stage.Document) error {
		var resp struct {
			Figures []Figure `json:"figures"`
		}
		if err := rt.Predict(ctx, requestFor(doc), &resp); err != nil {
			return err
		}
		doc.Artifacts[StageFigures] = resp.Figures
		return nil
	}}
}

func moleculesStage() stage.Stage {
	return modelStage{id: StageMolecules, model: ModelMolScribe, run: func(ctx context.Context, rt *ModelRuntime, doc *stage.Document) error {
		var resp struct {
			Molecules []Molecule `json:"molecules"`
		}
		if err := rt.Predict(ctx, requestFor(doc), &resp); err != nil {
			return err
		}
		if !doc.Options.OutputBBox {
			for i := range resp.Molecules {
				resp.Molecules[i].BBox = nil
			}
		}
		doc.Artifacts[StageMolecules] = resp.Molecules
		return nil
	}}
}

func reactionsStage() stage.Stage {
	return modelStage{id: StageReactions, model: ModelRxnScribe, run: func(ctx context.Context, rt *ModelRuntime, doc *stage.Document) error {
		var resp struct {
			Reactions []Reaction `json:"reactions"`
		}
		if err := rt.Predict(ctx, requestFor(doc), &resp); err != nil {
			return err
		}
		doc.Artifacts[StageReactions] = resp.Reactions
		return nil
	}}
}

func tablesStage() stage.Stage {
	return modelStage{id: StageTables, model: ModelTableFormer, run: func(ctx context.Context, rt *ModelRuntime, doc *stage.Document) error {
		var resp struct {
			Tables []Table `json:"tables"`
		}
		if err := rt.Predict(ctx, requestFor(doc), &resp); err != nil {
			return err
		}
		doc.Artifacts[StageTables] = resp.Tables
		return nil
	}}
}

func corefsStage() stage.Stage {
	return modelStage{id: StageCorefs, model: ModelMolCoref, run: func(ctx context.Context, rt *ModelRuntime, doc *stage.Document) error {
		var resp struct {
			Coreferences []Coreference `json:"coreferences"`
		}
		if err := rt.Predict(ctx, requestFor(doc), &resp); err != nil {
			return err
		}
		doc.Artifacts[StageCorefs] = resp.Coreferences
		return nil
	}}
}

const rgroupSystemPrompt = `You resolve R-group definitions in chemistry papers.
Given molecules with placeholder atoms, reply with a JSON array of
objects {"label", "smiles"} and nothing else.`

// llmRGroupStage resolves R-group placeholders with the LLM. Enhancement:
// it is wrapped in a fallback chain with the rule-based resolver and its
// unavailability never fails the task directly.
type llmRGroupStage struct {
	llm *LLMClient
}

func (llmRGroupStage) ID() string { return StageRGroup }

func (llmRGroupStage) Capability() stage.Capability {
	return stage.Capability{Enhancement: true}
}

func (s llmRGroupStage) Run(ctx context.Context, doc *stage.Document) error {
	mols, _ := doc.Artifacts[StageMolecules].([]Molecule)
	targets := placeholderMolecules(mols)
	if len(targets) == 0 {
		doc.Artifacts[StageRGroup] = []RGroup(nil)
		return nil
	}
	prompt, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	reply, err := s.llm.Complete(ctx, rgroupSystemPrompt, string(prompt))
	if err != nil {
		return err
	}
	var groups []RGroup
	if err := json.Unmarshal([]byte(extractJSON(reply)), &groups); err != nil {
		return stage.ErrUnavailable("llm: unparseable r-group reply")
	}
	for i := range groups {
		groups[i].Source = "llm"
	}
	doc.Artifacts[StageRGroup] = groups
	return nil
}

// ruleRGroupStage is the deterministic secondary: it names each
// placeholder without resolving its structure, so downstream consumers
// still see which substituents exist.
type ruleRGroupStage struct{}

func (ruleRGroupStage) ID() string                   { return StageRGroup + "-rules" }
func (ruleRGroupStage) Capability() stage.Capability { return stage.Capability{} }

func (ruleRGroupStage) Run(ctx context.Context, doc *stage.Document) error {
	mols, _ := doc.Artifacts[StageMolecules].([]Molecule)
	var groups []RGroup
	for i, m := range placeholderMolecules(mols) {
		groups = append(groups, RGroup{
			Label:  fmt.Sprintf("R%d", i+1),
			SMILES: m.SMILES,
			Source: "rules",
		})
	}
	doc.Artifacts[StageRGroup] = groups
	return nil
}

// placeholderMolecules filters to structures containing wildcard atoms.
func placeholderMolecules(mols []Molecule) []Molecule {
	var out []Molecule
	for _, m := range mols {
		if strings.Contains(m.SMILES, "*") {
			out = append(out, m)
		}
	}
	return out
}

// extractJSON strips markdown fences the LLM tends to wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
