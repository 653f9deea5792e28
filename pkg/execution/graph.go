package execution

import (
	"github.com/loomlabs/loom/pkg/models"
)

type readinessState int

const (
	notReady readinessState = iota
	ready
	shouldSkip
)

// graph is the executor's view of one compiled workflow level: the top-level
// blocks, or the members of one subflow container.
type graph struct {
	blocks   []*models.Block
	inbound  map[string][]*models.Edge
	outbound map[string][]*models.Edge
	index    map[string]*models.Block

	// containerOf maps member block ids to their container for
	// failure-path reachability.
	containerOf map[string]string
	members     map[string][]*models.Block
	workflow    *models.SerializedWorkflow
}

// newGraph builds the top-level graph of a workflow. Subflow members are
// owned by their containers and excluded from top-level scheduling.
func newGraph(workflow *models.SerializedWorkflow) *graph {
	g := &graph{
		inbound:     make(map[string][]*models.Edge),
		outbound:    make(map[string][]*models.Edge),
		index:       make(map[string]*models.Block),
		containerOf: make(map[string]string),
		members:     make(map[string][]*models.Block),
		workflow:    workflow,
	}

	for _, block := range workflow.Blocks {
		g.index[block.ID] = block

		if block.ParentID == "" {
			g.blocks = append(g.blocks, block)
		} else {
			g.containerOf[block.ID] = block.ParentID
			g.members[block.ParentID] = append(g.members[block.ParentID], block)
		}
	}

	topLevel := make(map[string]bool, len(g.blocks))
	for _, block := range g.blocks {
		topLevel[block.ID] = true
	}

	for _, edge := range workflow.Edges {
		if topLevel[edge.Source] && topLevel[edge.Target] {
			g.inbound[edge.Target] = append(g.inbound[edge.Target], edge)
			g.outbound[edge.Source] = append(g.outbound[edge.Source], edge)
		}
	}

	return g
}

// memberGraph builds the sub-graph of one container's members, ordered by the
// subflow's node list.
func (g *graph) memberGraph(containerID string, nodeIDs []string) *graph {
	sub := &graph{
		inbound:     make(map[string][]*models.Edge),
		outbound:    make(map[string][]*models.Edge),
		index:       g.index,
		containerOf: g.containerOf,
		members:     g.members,
		workflow:    g.workflow,
	}

	included := make(map[string]bool)

	for _, id := range nodeIDs {
		if block, ok := g.index[id]; ok {
			sub.blocks = append(sub.blocks, block)
			included[id] = true
		}
	}

	// Members declared only via parentId still belong to the subflow.
	for _, block := range g.members[containerID] {
		if !included[block.ID] {
			sub.blocks = append(sub.blocks, block)
			included[block.ID] = true
		}
	}

	for _, edge := range g.workflow.Edges {
		if included[edge.Source] && included[edge.Target] {
			sub.inbound[edge.Target] = append(sub.inbound[edge.Target], edge)
			sub.outbound[edge.Source] = append(sub.outbound[edge.Source], edge)
		}
	}

	return sub
}

// readiness decides whether a pending block can run. A block is ready when at
// least one inbound edge is active and every inbound source is terminal; it
// is skipped when all inbound edges are inactive (pruned branches, skipped or
// failed upstream blocks).
func (g *graph) readiness(blockID string, executionCtx *models.ExecutionContext) readinessState {
	edges := g.inbound[blockID]
	if len(edges) == 0 {
		return ready
	}

	active := false

	for _, edge := range edges {
		sourceState := executionCtx.BlockState(edge.Source)

		if !sourceState.Status.Terminal() {
			return notReady
		}

		if sourceState.Status == models.BlockStatusCompleted && g.edgeActive(edge, sourceState) {
			active = true
		}
	}

	if active {
		return ready
	}

	return shouldSkip
}

// edgeActive applies branch pruning: a completed condition block activates
// only the edge matching its selected handle, a router only the edge leading
// to its selected route.
func (g *graph) edgeActive(edge *models.Edge, sourceState models.BlockState) bool {
	if handle, ok := sourceState.Output[models.OutputKeySelectedHandle].(string); ok {
		if edge.SourceHandle != "" && edge.SourceHandle != handle {
			return false
		}
	}

	if route, ok := sourceState.Output[models.OutputKeySelectedRoute].(string); ok {
		if edge.Target != route {
			return false
		}
	}

	return true
}

func (g *graph) allTerminal(executionCtx *models.ExecutionContext) bool {
	for _, block := range g.blocks {
		if !executionCtx.BlockState(block.ID).Status.Terminal() {
			return false
		}
	}

	return true
}

// reachableFrom returns every block id reachable downstream of start,
// following edges and container membership.
func (g *graph) reachableFrom(start string) []string {
	// A member's failure escalates through its container.
	if container, ok := g.containerOf[start]; ok {
		start = container
	}

	visited := make(map[string]bool)
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range g.outbound[current] {
			if visited[edge.Target] {
				continue
			}

			visited[edge.Target] = true
			queue = append(queue, edge.Target)

			for _, member := range g.members[edge.Target] {
				if !visited[member.ID] {
					visited[member.ID] = true
				}
			}
		}
	}

	reachable := make([]string, 0, len(visited))
	for id := range visited {
		reachable = append(reachable, id)
	}

	return reachable
}
