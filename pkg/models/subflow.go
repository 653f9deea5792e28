package models

// LoopType selects the iteration semantics of a loop subflow.
type LoopType string

const (
	LoopTypeFor     LoopType = "for"     // fixed iteration count
	LoopTypeForEach LoopType = "forEach" // one iteration per collection element
)

// Loop is the subflow config of a loop container block. It is keyed by the
// same id as its container block; Nodes lists the member block ids in order.
type Loop struct {
	ID         string   `json:"id"         validate:"required"`
	Nodes      []string `json:"nodes"`
	Iterations int      `json:"iterations,omitempty"`
	ForEach    any      `json:"for_each,omitempty"` // collection literal or template expression
	LoopType   LoopType `json:"loop_type"`
}

// Parallel is the subflow config of a parallel container block. Count fixes
// the fan-out; Distribution provides one element per branch instead.
type Parallel struct {
	ID           string   `json:"id"           validate:"required"`
	Nodes        []string `json:"nodes"`
	Count        int      `json:"count,omitempty"`
	Distribution any      `json:"distribution,omitempty"`
	ParallelType string   `json:"parallel_type,omitempty"`
}

// SerializedWorkflow is the compiled, immutable snapshot of a workflow used
// for exactly one run. It is produced by the serializer and owned by the
// executor for the lifetime of that run.
type SerializedWorkflow struct {
	Version   string               `json:"version"`
	Blocks    []*Block             `json:"blocks"`
	Edges     []*Edge              `json:"edges"`
	Loops     map[string]*Loop     `json:"loops,omitempty"`
	Parallels map[string]*Parallel `json:"parallels,omitempty"`
}

// BlockByID returns the block with the given id, or nil.
func (sw *SerializedWorkflow) BlockByID(id string) *Block {
	for _, block := range sw.Blocks {
		if block.ID == id {
			return block
		}
	}

	return nil
}
