package serializer

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/models"
)

func newTestSerializer() *Serializer {
	return NewSerializer(slog.Default())
}

func TestCompileDropsTypelessBlocks(t *testing.T) {
	workflow := &models.Workflow{
		Blocks: []*models.Block{
			{ID: "a", Type: models.BlockTypeAgent},
			{ID: "ghost"},
		},
		Edges: []*models.Edge{},
	}

	compiled, err := newTestSerializer().Compile(workflow, Options{Mode: models.ExecutionModeAPI})
	require.NoError(t, err)
	require.Len(t, compiled.Blocks, 1)
	assert.Equal(t, "a", compiled.Blocks[0].ID)
}

func TestCompileExcludesTriggersForManualRuns(t *testing.T) {
	workflow := &models.Workflow{
		Blocks: []*models.Block{
			{ID: "start", Type: models.BlockTypeStarter},
			{ID: "hook", Type: models.BlockTypeTriggerWebhook},
			{ID: "agent", Type: models.BlockTypeAgent},
			{ID: "resp", Type: models.BlockTypeResponse},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "agent"},
			{ID: "e2", Source: "hook", Target: "agent"},
			{ID: "e3", Source: "agent", Target: "resp"},
		},
	}

	compiled, err := newTestSerializer().Compile(workflow, Options{Mode: models.ExecutionModeManual})
	require.NoError(t, err)

	require.Len(t, compiled.Blocks, 2)
	assert.Nil(t, compiled.BlockByID("start"))
	assert.Nil(t, compiled.BlockByID("hook"))

	// Only the agent -> resp edge survives.
	require.Len(t, compiled.Edges, 1)
	assert.Equal(t, "agent", compiled.Edges[0].Source)
}

func TestCompileKeepsTriggersForScheduledRuns(t *testing.T) {
	workflow := &models.Workflow{
		Blocks: []*models.Block{
			{ID: "cron", Type: models.BlockTypeTriggerSchedule},
			{ID: "agent", Type: models.BlockTypeAgent},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "cron", Target: "agent"},
		},
	}

	compiled, err := newTestSerializer().Compile(workflow, Options{Mode: models.ExecutionModeSchedule})
	require.NoError(t, err)
	assert.Len(t, compiled.Blocks, 2)
	assert.Len(t, compiled.Edges, 1)
}

func TestCompileRemapsIDsInOnePass(t *testing.T) {
	workflow := &models.Workflow{
		Blocks: []*models.Block{
			{ID: "loop-1", Type: models.BlockTypeLoop},
			{ID: "member", Type: models.BlockTypeAgent, ParentID: "loop-1"},
			{ID: "after", Type: models.BlockTypeResponse},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "loop-1", Target: "after"},
		},
		Loops: map[string]*models.Loop{
			"loop-1": {ID: "loop-1", Nodes: []string{"member"}, Iterations: 2, LoopType: models.LoopTypeFor},
		},
	}

	idMap := map[string]string{
		"loop-1": "loop-1-copy",
		"member": "member-copy",
		"after":  "after-copy",
	}

	compiled, err := newTestSerializer().Compile(workflow, Options{Mode: models.ExecutionModeAPI, IDMap: idMap})
	require.NoError(t, err)

	require.NotNil(t, compiled.BlockByID("loop-1-copy"))
	assert.Equal(t, "loop-1-copy", compiled.BlockByID("member-copy").ParentID)
	assert.Equal(t, "loop-1-copy", compiled.Edges[0].Source)
	assert.Equal(t, "after-copy", compiled.Edges[0].Target)

	loop, ok := compiled.Loops["loop-1-copy"]
	require.True(t, ok)
	assert.Equal(t, []string{"member-copy"}, loop.Nodes)
}

func TestCompileDropsOrphanedSubflow(t *testing.T) {
	workflow := &models.Workflow{
		Blocks: []*models.Block{
			{ID: "agent", Type: models.BlockTypeAgent},
		},
		Loops: map[string]*models.Loop{
			"gone": {ID: "gone", Nodes: []string{"agent"}},
		},
		Parallels: map[string]*models.Parallel{
			"also-gone": {ID: "also-gone", Nodes: []string{"agent"}},
		},
	}

	// Orphaned subflows drop with a warning, never an error.
	compiled, err := newTestSerializer().Compile(workflow, Options{Mode: models.ExecutionModeAPI})
	require.NoError(t, err)
	assert.Empty(t, compiled.Loops)
	assert.Empty(t, compiled.Parallels)
}

func TestCompileSubflowTypeMismatch(t *testing.T) {
	workflow := &models.Workflow{
		Blocks: []*models.Block{
			{ID: "not-a-loop", Type: models.BlockTypeAgent},
		},
		Loops: map[string]*models.Loop{
			"not-a-loop": {ID: "not-a-loop"},
		},
	}

	_, err := newTestSerializer().Compile(workflow, Options{Mode: models.ExecutionModeAPI})
	require.Error(t, err)

	var compErr *CompilationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "not-a-loop", compErr.ID)
}
