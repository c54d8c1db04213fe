package taproot

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// LeafDescriptor is the exported, human-auditable form of one leaf, used
// by the per-block tree artifact.
type LeafDescriptor struct {
	Name         string `json:"name"`
	Script       string `json:"script"`
	LeafVersion  string `json:"tapleaf_version"`
	Timeout      uint32 `json:"timeout"`
	ExpectedHash string `json:"expected_hash,omitempty"`
}

// Descriptors renders every leaf as an op-level script description, step
// leaves in committal order, fallback last.
func (t *ScriptTree) Descriptors() ([]LeafDescriptor, error) {
	out := make([]LeafDescriptor, 0, len(t.steps)+1)
	for _, leaf := range t.steps {
		asm, err := txscript.DisasmString(leaf.Leaf.Script)
		if err != nil {
			return nil, fmt.Errorf("disassemble %s: %w", leaf.Name, err)
		}
		out = append(out, LeafDescriptor{
			Name:         leaf.Name,
			Script:       asm,
			LeafVersion:  fmt.Sprintf("%x", byte(leaf.Leaf.LeafVersion)),
			Timeout:      leaf.Timeout,
			ExpectedHash: hex.EncodeToString(leaf.ExpectedHash),
		})
	}
	asm, err := txscript.DisasmString(t.fallback.Leaf.Script)
	if err != nil {
		return nil, fmt.Errorf("disassemble fallback: %w", err)
	}
	out = append(out, LeafDescriptor{
		Name:        "operator_fallback",
		Script:      asm,
		LeafVersion: fmt.Sprintf("%x", byte(t.fallback.Leaf.LeafVersion)),
		Timeout:     t.fallback.Timeout,
	})
	return out, nil
}
