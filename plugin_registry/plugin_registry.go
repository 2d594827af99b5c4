package plugin_registry

import (
	"fmt"

	"github.com/perceptra/docpipe/pipeline_type"
)

// PluginRegistry maps pipeline stages to their executors. Populated once at
// startup; read-only afterwards.
type PluginRegistry struct {
	executors map[pipeline_type.Stage]pipeline_type.StageExecutor
}

func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		executors: make(map[pipeline_type.Stage]pipeline_type.StageExecutor),
	}
}

// RegisterStageExecutor registers the executor for a stage.
func (pr *PluginRegistry) RegisterStageExecutor(executor pipeline_type.StageExecutor) {
	pr.executors[executor.Stage()] = executor
}

// GetStageExecutor returns the executor registered for a stage.
func (pr *PluginRegistry) GetStageExecutor(stage pipeline_type.Stage) (pipeline_type.StageExecutor, error) {
	executor, ok := pr.executors[stage]
	if !ok {
		return nil, fmt.Errorf("no executor registered for stage: %s", stage)
	}
	return executor, nil
}
