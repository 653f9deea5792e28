// Package serializer compiles a mutable workflow graph into an immutable,
// execution-ready snapshot.
package serializer

import (
	"fmt"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
)

// Version tag stamped on every compiled snapshot.
const Version = "1"

// CompilationError indicates the graph cannot be compiled and the run must
// abort before any block executes.
type CompilationError struct {
	Reason string
	ID     string
	Err    error
}

func (e *CompilationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("compilation failed (%s, id %s): %v", e.Reason, e.ID, e.Err)
	}

	return fmt.Sprintf("compilation failed (%s): %v", e.Reason, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// Options controls one compilation.
type Options struct {
	// Mode selects trigger handling; manual and chat runs exclude trigger
	// blocks and every edge touching them.
	Mode models.ExecutionMode

	// IDMap remaps every block reference in one pass when compiling a
	// duplicated graph. Unmapped ids pass through unchanged.
	IDMap map[string]string
}

// Serializer compiles workflows.
type Serializer struct {
	logger *slog.Logger
}

// NewSerializer creates a serializer.
func NewSerializer(logger *slog.Logger) *Serializer {
	return &Serializer{logger: logger.With("module", "serializer")}
}

// Compile produces the immutable snapshot of the workflow for one run.
func (s *Serializer) Compile(workflow *models.Workflow, opts Options) (*models.SerializedWorkflow, error) {
	remap := func(id string) string {
		if mapped, ok := opts.IDMap[id]; ok {
			return mapped
		}

		return id
	}

	excludeTriggers := opts.Mode == models.ExecutionModeManual || opts.Mode == models.ExecutionModeChat

	kept := make([]*models.Block, 0, len(workflow.Blocks))
	keptIDs := make(map[string]*models.Block)
	excluded := make(map[string]bool)

	for _, block := range workflow.Blocks {
		if block.Type == "" {
			// Layout-only artifacts from the editor carry no type.
			s.logger.Warn("Dropping block without a resolved type", "block_id", block.ID)

			continue
		}

		if excludeTriggers && block.IsTriggerBlock() {
			excluded[block.ID] = true

			continue
		}

		compiled := &models.Block{
			ID:           remap(block.ID),
			Type:         block.Type,
			Name:         block.Name,
			Config:       block.Config,
			ParentID:     remap(block.ParentID),
			AdvancedMode: block.AdvancedMode,
			Enabled:      block.Enabled,
			PositionX:    block.PositionX,
			PositionY:    block.PositionY,
		}

		kept = append(kept, compiled)
		keptIDs[compiled.ID] = compiled
	}

	edges := make([]*models.Edge, 0, len(workflow.Edges))

	for _, edge := range workflow.Edges {
		if excluded[edge.Source] || excluded[edge.Target] {
			continue
		}

		edges = append(edges, &models.Edge{
			ID:           edge.ID,
			Source:       remap(edge.Source),
			Target:       remap(edge.Target),
			SourceHandle: edge.SourceHandle,
			TargetHandle: edge.TargetHandle,
		})
	}

	loops, err := s.compileLoops(workflow.Loops, keptIDs, remap)
	if err != nil {
		return nil, err
	}

	parallels, err := s.compileParallels(workflow.Parallels, keptIDs, remap)
	if err != nil {
		return nil, err
	}

	return &models.SerializedWorkflow{
		Version:   Version,
		Blocks:    kept,
		Edges:     edges,
		Loops:     loops,
		Parallels: parallels,
	}, nil
}

func (s *Serializer) compileLoops(
	loops map[string]*models.Loop,
	blocks map[string]*models.Block,
	remap func(string) string,
) (map[string]*models.Loop, error) {
	compiled := make(map[string]*models.Loop, len(loops))

	for id, loop := range loops {
		mappedID := remap(id)

		container, ok := blocks[mappedID]
		if !ok {
			// Orphaned subflows are leftovers of deleted containers.
			s.logger.Warn("Dropping orphaned loop subflow", "subflow_id", id)

			continue
		}

		if container.Type != models.BlockTypeLoop {
			return nil, &CompilationError{
				Reason: "subflow type mismatch",
				ID:     mappedID,
				Err:    fmt.Errorf("loop subflow id resolves to block of type %q", container.Type),
			}
		}

		nodes := make([]string, 0, len(loop.Nodes))
		for _, node := range loop.Nodes {
			nodes = append(nodes, remap(node))
		}

		compiled[mappedID] = &models.Loop{
			ID:         mappedID,
			Nodes:      nodes,
			Iterations: loop.Iterations,
			ForEach:    loop.ForEach,
			LoopType:   loop.LoopType,
		}
	}

	return compiled, nil
}

func (s *Serializer) compileParallels(
	parallels map[string]*models.Parallel,
	blocks map[string]*models.Block,
	remap func(string) string,
) (map[string]*models.Parallel, error) {
	compiled := make(map[string]*models.Parallel, len(parallels))

	for id, parallel := range parallels {
		mappedID := remap(id)

		container, ok := blocks[mappedID]
		if !ok {
			s.logger.Warn("Dropping orphaned parallel subflow", "subflow_id", id)

			continue
		}

		if container.Type != models.BlockTypeParallel {
			return nil, &CompilationError{
				Reason: "subflow type mismatch",
				ID:     mappedID,
				Err:    fmt.Errorf("parallel subflow id resolves to block of type %q", container.Type),
			}
		}

		nodes := make([]string, 0, len(parallel.Nodes))
		for _, node := range parallel.Nodes {
			nodes = append(nodes, remap(node))
		}

		compiled[mappedID] = &models.Parallel{
			ID:           mappedID,
			Nodes:        nodes,
			Count:        parallel.Count,
			Distribution: parallel.Distribution,
			ParallelType: parallel.ParallelType,
		}
	}

	return compiled, nil
}
