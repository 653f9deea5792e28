// Package blocks wires the built-in block handler factories into a registry.
package blocks

import (
	"github.com/loomlabs/loom/pkg/blocks/agentblock"
	"github.com/loomlabs/loom/pkg/blocks/api"
	"github.com/loomlabs/loom/pkg/blocks/condition"
	"github.com/loomlabs/loom/pkg/blocks/function"
	"github.com/loomlabs/loom/pkg/blocks/response"
	"github.com/loomlabs/loom/pkg/blocks/router"
	"github.com/loomlabs/loom/pkg/blocks/starter"
	"github.com/loomlabs/loom/pkg/registry"
)

// RegisterBuiltins registers every built-in block handler factory.
func RegisterBuiltins(r *registry.Registry) {
	r.Register(&starter.Factory{})
	r.Register(&agentblock.Factory{})
	r.Register(&api.Factory{})
	r.Register(&function.Factory{})
	r.Register(&condition.Factory{})
	r.Register(&router.Factory{})
	r.Register(&response.Factory{})
}
