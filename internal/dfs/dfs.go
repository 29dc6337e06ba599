// Package dfs names the operations of the distributed file system RPC
// interface. Stubs are not decoded.
package dfs

import (
	"fmt"

	"github.com/google/uuid"

	"firestige.xyz/capdissect/internal/dcerpc"
	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/ndr"
)

var interfaceUUID = uuid.MustParse("4fc742e0-4a10-11cf-8273-00aa004ae673")

var opNames = []string{"Exist", "Add", "Remove", "GetInfo", "Enum"}

// Interface is the DFS sub-dissector.
type Interface struct{}

// New returns the DFS sub-dissector.
func New() Interface { return Interface{} }

func (Interface) UUID() uuid.UUID { return interfaceUUID }
func (Interface) Version() uint16 { return 3 }
func (Interface) Name() string    { return "DFS" }

func (Interface) OpName(opnum uint16) string {
	if int(opnum) < len(opNames) {
		return opNames[opnum]
	}
	return fmt.Sprintf("Unknown operation %d", opnum)
}

func (Interface) Decode(_ *ndr.Decoder, _ *field.Span, _ *dcerpc.Call) error {
	return nil
}
