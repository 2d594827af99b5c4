package pipeline_type

import "context"

type Stage string

const (
	StageConversion Stage = "conversion"
	StageParsing    Stage = "parsing"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
)

// transitions is the fixed stage order. A stage missing from the map is
// terminal. The chain is inspectable here without touching any adapter.
var transitions = map[Stage]Stage{
	StageConversion: StageParsing,
	StageParsing:    StageChunking,
	StageChunking:   StageEmbedding,
}

// FirstStage is where every uploaded document enters the pipeline.
func FirstStage() Stage {
	return StageConversion
}

// NextStage returns the stage that follows s, or false when s is terminal.
func NextStage(s Stage) (Stage, bool) {
	next, ok := transitions[s]
	return next, ok
}

// KnownStage reports whether s names a pipeline stage.
func KnownStage(s Stage) bool {
	switch s {
	case StageConversion, StageParsing, StageChunking, StageEmbedding:
		return true
	}
	return false
}

// QueueName returns the dispatch queue a stage's tasks are placed on.
func QueueName(s Stage) string {
	return "docpipe_" + string(s)
}

// StageExecutor transforms a document's state and artifacts for one stage.
// Execute must be idempotent: the dispatcher may run the same stage again
// after a transient failure. A nil return means the stage succeeded; errors
// are classified by the dispatcher via ClassOf.
type StageExecutor interface {
	Stage() Stage
	Execute(ctx context.Context, doc *Document) error
}
