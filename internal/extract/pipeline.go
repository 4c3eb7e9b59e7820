package extract

import (
	"time"

	"chemd/internal/registry"
	"chemd/internal/stage"
	"chemd/pkg/types"
)

// PipelineFor assembles the ordered stage list for one document. The
// essential spine is fixed; corefs and rgroup join per the upload
// options. Assemble is always last.
func PipelineFor(opts types.ExtractOptions) []string {
	stages := []string{StageDecode, StageFigures, StageMolecules, StageReactions, StageTables}
	if opts.ExtractCorefs {
		stages = append(stages, StageCorefs)
	}
	if opts.LLMEnhance {
		stages = append(stages, StageRGroup)
	}
	return append(stages, StageAssemble)
}

// Deps carries the collaborators the stages need. Model runtimes are not
// listed here: stages borrow them per run through the residency manager.
type Deps struct {
	LLM        *LLMClient
	ResultsDir string

	// Retry and FallbackTimeout govern the enhancement fallback chain.
	Retry           stage.RetryPolicy
	FallbackTimeout time.Duration
	Events          stage.EventPublisher
}

// RegisterAll wires every pipeline stage into the registry. The rgroup
// stage registers as a fallback chain: LLM primary, rule-based secondary.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	events := deps.Events
	if events == nil {
		events = stage.NopPublisher{}
	}
	stages := []stage.Stage{
		decodeStage{},
		figuresStage(),
		moleculesStage(),
		reactionsStage(),
		tablesStage(),
		corefsStage(),
		stage.NewFallback(llmRGroupStage{llm: deps.LLM}, ruleRGroupStage{}, deps.Retry, deps.FallbackTimeout, events),
		assembleStage{resultsDir: deps.ResultsDir},
	}
	for _, s := range stages {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
