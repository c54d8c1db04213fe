// Package store implements the content-addressed rollup block store, the
// append-only pin history, and the derived per-block artifacts.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BlockIDHexLen is the truncated content-hash length used as a block id.
const BlockIDHexLen = 16

// BlockOutput is one rollup-tracked output of a block.
type BlockOutput struct {
	Address    string `json:"address"`
	AmountSats int64  `json:"amount_sats,omitempty"`
}

// RollupBlock is the typed form of a stored block record. Rollup-defined
// fields the protocol does not interpret are preserved in Extra.
//
// Identity is the truncated SHA-256 of the canonical JSON encoding,
// assigned at creation. The watcher later flips the proof flags in place;
// the id is never recomputed.
type RollupBlock struct {
	Timestamp      float64
	StepChain      []string
	Timeouts       []uint32
	Outputs        []BlockOutput
	Challenged     bool
	ProofGenerated bool
	ProofVerified  bool
	IPFSHash       string
	IPFSHashes     []string
	Extra          map[string]json.RawMessage
}

// knownBlockKeys are the protocol fields lifted out of the raw record.
var knownBlockKeys = map[string]struct{}{
	"timestamp":       {},
	"step_chain":      {},
	"timeouts":        {},
	"outputs":         {},
	"challenged":      {},
	"proof_generated": {},
	"proof_verified":  {},
	"ipfs_hash":       {},
	"ipfs_hashes":     {},
}

func (b *RollupBlock) recordMap() (map[string]any, error) {
	out := make(map[string]any, len(knownBlockKeys)+len(b.Extra))
	if b.Timestamp != 0 {
		out["timestamp"] = b.Timestamp
	}
	if len(b.StepChain) > 0 {
		out["step_chain"] = b.StepChain
	}
	if len(b.Timeouts) > 0 {
		out["timeouts"] = b.Timeouts
	}
	if len(b.Outputs) > 0 {
		out["outputs"] = b.Outputs
	}
	out["challenged"] = b.Challenged
	out["proof_generated"] = b.ProofGenerated
	out["proof_verified"] = b.ProofVerified
	if b.IPFSHash != "" {
		out["ipfs_hash"] = b.IPFSHash
	}
	if len(b.IPFSHashes) > 0 {
		out["ipfs_hashes"] = b.IPFSHashes
	}
	for key, raw := range b.Extra {
		if _, known := knownBlockKeys[key]; known {
			return nil, fmt.Errorf("extra field %q shadows a protocol field", key)
		}
		out[key] = raw
	}
	return out, nil
}

// MarshalJSON emits the canonical encoding: one JSON object with
// lexicographically sorted keys (Go's map marshaling order).
func (b *RollupBlock) MarshalJSON() ([]byte, error) {
	m, err := b.recordMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (b *RollupBlock) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode block record: %w", err)
	}
	type fields struct {
		Timestamp      float64       `json:"timestamp"`
		StepChain      []string      `json:"step_chain"`
		Timeouts       []uint32      `json:"timeouts"`
		Outputs        []BlockOutput `json:"outputs"`
		Challenged     bool          `json:"challenged"`
		ProofGenerated bool          `json:"proof_generated"`
		ProofVerified  bool          `json:"proof_verified"`
		IPFSHash       string        `json:"ipfs_hash"`
		IPFSHashes     []string      `json:"ipfs_hashes"`
	}
	var known fields
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decode block fields: %w", err)
	}
	extra := make(map[string]json.RawMessage)
	for key, val := range raw {
		if _, ok := knownBlockKeys[key]; ok {
			continue
		}
		extra[key] = val
	}
	if len(extra) == 0 {
		extra = nil
	}
	*b = RollupBlock{
		Timestamp:      known.Timestamp,
		StepChain:      known.StepChain,
		Timeouts:       known.Timeouts,
		Outputs:        known.Outputs,
		Challenged:     known.Challenged,
		ProofGenerated: known.ProofGenerated,
		ProofVerified:  known.ProofVerified,
		IPFSHash:       known.IPFSHash,
		IPFSHashes:     known.IPFSHashes,
		Extra:          extra,
	}
	return nil
}

// CanonicalEncoding returns the identity encoding of the block.
func (b *RollupBlock) CanonicalEncoding() ([]byte, error) {
	return json.Marshal(b)
}

// ComputeBlockID derives the truncated content hash of a canonical
// encoding.
func ComputeBlockID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:BlockIDHexLen]
}

// PinHandles returns the external content-store handles attached to the
// block, multi-handle field first, deduplicated against the single field.
func (b *RollupBlock) PinHandles() []string {
	if len(b.IPFSHashes) > 0 {
		out := make([]string, 0, len(b.IPFSHashes))
		for _, h := range b.IPFSHashes {
			if h != "" {
				out = append(out, h)
			}
		}
		return out
	}
	if b.IPFSHash != "" {
		return []string{b.IPFSHash}
	}
	return nil
}

// ValidateBlock enforces the store-boundary rules: step_chain entries must
// be even-length hex, outputs must carry addresses, timeouts must be
// positive, and a timeout schedule must match the step count.
func ValidateBlock(b *RollupBlock) error {
	if b == nil {
		return errors.New("nil block record")
	}
	for i, step := range b.StepChain {
		if len(step) == 0 || len(step)%2 != 0 {
			return fmt.Errorf("step_chain[%d]: odd-length or empty hex", i)
		}
		if _, err := hex.DecodeString(step); err != nil {
			return fmt.Errorf("step_chain[%d]: %w", i, err)
		}
	}
	for i, out := range b.Outputs {
		if strings.TrimSpace(out.Address) == "" {
			return fmt.Errorf("outputs[%d]: address required", i)
		}
		if out.AmountSats < 0 {
			return fmt.Errorf("outputs[%d]: negative amount", i)
		}
	}
	for i, timeout := range b.Timeouts {
		if timeout == 0 {
			return fmt.Errorf("timeouts[%d]: must be positive", i)
		}
	}
	if len(b.Timeouts) > 0 && len(b.StepChain) > 0 && len(b.Timeouts) != len(b.StepChain)-1 {
		return fmt.Errorf("timeouts length %d does not match %d chain steps", len(b.Timeouts), len(b.StepChain)-1)
	}
	return nil
}
