// Package commit implements the forward SHA-256 commitment chain that binds
// an operator's rollup state transition to a sequence of on-chain revealable
// intermediate steps.
package commit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Chain is an ordered sequence of step digests in committal order:
// Chain[0] is the seed digest, Chain[i+1] = SHA256(Chain[i]).
//
// This ascending order is the canonical on-disk order for a block's
// step_chain field. Leaf construction and verification both use it.
type Chain [][]byte

// ErrMalformedChain is returned for chains too short to commit anything.
// A committed chain always has at least a seed and one step.
var ErrMalformedChain = errors.New("malformed hash chain: need at least 2 elements")

// Build derives a chain of steps+1 elements starting from seed.
// The seed is committed as-is; each subsequent element is the SHA-256
// of the previous one.
func Build(seed []byte, steps int) (Chain, error) {
	if steps < 1 {
		return nil, fmt.Errorf("steps must be >= 1, got %d", steps)
	}
	chain := make(Chain, 0, steps+1)
	chain = append(chain, append([]byte(nil), seed...))
	for i := 0; i < steps; i++ {
		h := sha256.Sum256(chain[len(chain)-1])
		chain = append(chain, h[:])
	}
	return chain, nil
}

// Verify reports whether every adjacent pair satisfies the hash relation.
// It is a pure predicate: false on the first mismatch, no side effects.
// Chains with fewer than 2 elements are never valid.
func Verify(chain Chain) bool {
	if len(chain) < 2 {
		return false
	}
	for i := 0; i < len(chain)-1; i++ {
		h := sha256.Sum256(chain[i])
		if !bytes.Equal(h[:], chain[i+1]) {
			return false
		}
	}
	return true
}

// Validate distinguishes a structurally unusable chain (error) from a
// well-formed chain whose hash relation may still fail Verify.
func Validate(chain Chain) error {
	if len(chain) < 2 {
		return ErrMalformedChain
	}
	for i, step := range chain {
		if len(step) == 0 {
			return fmt.Errorf("chain element %d is empty", i)
		}
		if i > 0 && len(step) != sha256.Size {
			return fmt.Errorf("chain element %d: expected %d bytes, got %d", i, sha256.Size, len(step))
		}
	}
	return nil
}

// EncodeHex renders the chain in the wire form used by the step_chain
// block field.
func EncodeHex(chain Chain) []string {
	out := make([]string, len(chain))
	for i, step := range chain {
		out[i] = hex.EncodeToString(step)
	}
	return out
}

// DecodeHex parses a step_chain field back into a Chain.
func DecodeHex(steps []string) (Chain, error) {
	chain := make(Chain, 0, len(steps))
	for i, s := range steps {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("step_chain[%d]: %w", i, err)
		}
		chain = append(chain, raw)
	}
	return chain, nil
}
