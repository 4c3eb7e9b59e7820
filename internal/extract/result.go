package extract

import (
	"chemd/pkg/types"
)

// Molecule is one recognized structure.
type Molecule struct {
	SMILES     string    `json:"smiles"`
	Confidence float64   `json:"confidence"`
	Page       int       `json:"page"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// Reaction is one parsed reaction scheme.
type Reaction struct {
	Reactants  []string `json:"reactants"`
	Conditions []string `json:"conditions,omitempty"`
	Products   []string `json:"products"`
	Page       int      `json:"page"`
	Confidence float64  `json:"confidence"`
}

// Figure is one detected figure region.
type Figure struct {
	Page    int       `json:"page"`
	Caption string    `json:"caption,omitempty"`
	BBox    []float64 `json:"bbox,omitempty"`
	// Image is a base64 PNG crop, present only when requested at upload.
	Image string `json:"image,omitempty"`
}

// Table is one parsed table.
type Table struct {
	Page    int        `json:"page"`
	Caption string     `json:"caption,omitempty"`
	Rows    [][]string `json:"rows"`
}

// Coreference links a text label to a structure on the page.
type Coreference struct {
	Label  string `json:"label"`
	SMILES string `json:"smiles"`
	Page   int    `json:"page"`
}

// RGroup is one resolved substituent definition. Source records which
// resolver produced it: llm or rules.
type RGroup struct {
	Label  string `json:"label"`
	SMILES string `json:"smiles"`
	Source string `json:"source"`
}

// ResultDocument is the full extraction artifact written per task.
type ResultDocument struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename,omitempty"`
	Pages    int    `json:"pages"`

	Molecules    []Molecule    `json:"molecules"`
	Reactions    []Reaction    `json:"reactions"`
	Figures      []Figure      `json:"figures"`
	Tables       []Table       `json:"tables"`
	Coreferences []Coreference `json:"coreferences,omitempty"`
	RGroups      []RGroup      `json:"r_groups,omitempty"`
}

// Summarize projects the artifact down to the record-sized summary kept
// for status and history views. Quality is the mean molecule confidence.
func (d *ResultDocument) Summarize() *types.ResultSummary {
	s := &types.ResultSummary{
		Molecules: len(d.Molecules),
		Reactions: len(d.Reactions),
		Figures:   len(d.Figures),
		Tables:    len(d.Tables),
	}
	if len(d.Molecules) > 0 {
		var sum float64
		for _, m := range d.Molecules {
			sum += m.Confidence
		}
		s.QualityScore = sum / float64(len(d.Molecules))
	}
	return s
}
