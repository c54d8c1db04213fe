// Package taproot builds the per-step challenge script tree and the
// unsigned transactions that spend it.
//
// Each committed chain step becomes one tapscript leaf with
// reveal-or-timeout semantics: a challenger holding the step preimage can
// claim immediately, otherwise the operator reclaims after the step's
// relative timeout. A single operator-only fallback leaf with a longer
// timeout guarantees funds are always recoverable.
package taproot

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"bitvm.dev/prover/commit"
)

const (
	// maxCSVBlocks is the largest relative-locktime expressible in the
	// 16-bit CHECKSEQUENCEVERIFY block field.
	maxCSVBlocks = 0xffff

	expectedHashSize = 32
)

var (
	// ErrScriptNotFound is returned by control-block lookups for scripts
	// that are not member leaves of the tree.
	ErrScriptNotFound = errors.New("script is not a tree leaf")

	// ErrInsufficientAmount is returned when fee >= amount.
	ErrInsufficientAmount = errors.New("fee must be less than amount")
)

// ChallengeLeaf is one spendable step of the challenge tree.
type ChallengeLeaf struct {
	Name           string
	ExpectedHash   []byte
	RevealPreimage []byte
	Timeout        uint32
	Leaf           txscript.TapLeaf
}

// FallbackLeaf is the operator-only recovery path.
type FallbackLeaf struct {
	Timeout uint32
	Leaf    txscript.TapLeaf
}

// ScriptTree owns the full leaf set and the derived Taproot output key.
// Control blocks are looked up by canonical script bytes, not by leaf
// identity.
type ScriptTree struct {
	internalKey   *btcec.PublicKey
	outputKey     *btcec.PublicKey
	steps         []ChallengeLeaf
	fallback      FallbackLeaf
	controlBlocks map[string][]byte
}

func validTimeout(timeout uint32) error {
	if timeout == 0 {
		return errors.New("timeout must be positive")
	}
	if timeout > maxCSVBlocks {
		return fmt.Errorf("timeout %d exceeds CSV block range %d", timeout, maxCSVBlocks)
	}
	return nil
}

// BuildLeaf compiles the two-branch challenge script for one step:
//
//	<challenger> OP_CHECKSIGVERIFY
//	OP_SHA256 <expected_hash> OP_EQUAL
//	OP_IF OP_1
//	OP_ELSE <timeout> OP_CHECKSEQUENCEVERIFY OP_DROP <operator> OP_CHECKSIG
//	OP_ENDIF
//
// The reveal path and the timeout path share one leaf so that a valid
// preimage reveal always beats a later timeout claim at the same outpoint.
func BuildLeaf(
	expectedHash []byte,
	revealPreimage []byte,
	timeout uint32,
	challengerPub *btcec.PublicKey,
	operatorPub *btcec.PublicKey,
) (ChallengeLeaf, error) {
	if len(expectedHash) != expectedHashSize {
		return ChallengeLeaf{}, fmt.Errorf("expected_hash must be %d bytes, got %d", expectedHashSize, len(expectedHash))
	}
	if len(revealPreimage) == 0 {
		return ChallengeLeaf{}, errors.New("reveal preimage must not be empty")
	}
	if err := validTimeout(timeout); err != nil {
		return ChallengeLeaf{}, err
	}
	if challengerPub == nil || operatorPub == nil {
		return ChallengeLeaf{}, errors.New("challenger and operator pubkeys required")
	}

	script, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(challengerPub)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_SHA256).
		AddData(expectedHash).
		AddOp(txscript.OP_EQUAL).
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_1).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(timeout)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(operatorPub)).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
	if err != nil {
		return ChallengeLeaf{}, fmt.Errorf("compile challenge script: %w", err)
	}

	return ChallengeLeaf{
		ExpectedHash:   append([]byte(nil), expectedHash...),
		RevealPreimage: append([]byte(nil), revealPreimage...),
		Timeout:        timeout,
		Leaf:           txscript.NewBaseTapLeaf(script),
	}, nil
}

// BuildFallbackLeaf compiles the operator-only recovery script, spendable
// once longTimeout relative blocks have elapsed.
func BuildFallbackLeaf(operatorPub *btcec.PublicKey, longTimeout uint32) (FallbackLeaf, error) {
	if operatorPub == nil {
		return FallbackLeaf{}, errors.New("operator pubkey required")
	}
	if err := validTimeout(longTimeout); err != nil {
		return FallbackLeaf{}, err
	}
	script, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(operatorPub)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(longTimeout)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		Script()
	if err != nil {
		return FallbackLeaf{}, fmt.Errorf("compile fallback script: %w", err)
	}
	return FallbackLeaf{
		Timeout: longTimeout,
		Leaf:    txscript.NewBaseTapLeaf(script),
	}, nil
}

// ChainLeaves builds one challenge leaf per adjacent pair of the chain in
// committal order: leaf i reveals chain[i] against expected hash chain[i+1]
// with timeout timeouts[i].
func ChainLeaves(
	chain commit.Chain,
	timeouts []uint32,
	challengerPub *btcec.PublicKey,
	operatorPub *btcec.PublicKey,
) ([]ChallengeLeaf, error) {
	if err := commit.Validate(chain); err != nil {
		return nil, err
	}
	if len(timeouts) != len(chain)-1 {
		return nil, fmt.Errorf("timeout schedule length %d does not match %d chain steps", len(timeouts), len(chain)-1)
	}
	leaves := make([]ChallengeLeaf, 0, len(chain)-1)
	for i := 0; i < len(chain)-1; i++ {
		leaf, err := BuildLeaf(chain[i+1], chain[i], timeouts[i], challengerPub, operatorPub)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		leaf.Name = fmt.Sprintf("step_%d", i)
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

// BuildTree assembles the fallback leaf and all step leaves into one
// Taproot script tree and derives the output key from the operator's
// internal key. Construction is deterministic for identical leaf order.
func BuildTree(internalKey *btcec.PublicKey, fallback FallbackLeaf, steps []ChallengeLeaf) (*ScriptTree, error) {
	if internalKey == nil {
		return nil, errors.New("internal key required")
	}
	if len(steps) == 0 {
		return nil, errors.New("at least one challenge leaf required")
	}
	for _, leaf := range steps {
		if fallback.Timeout <= leaf.Timeout {
			return nil, fmt.Errorf("fallback timeout %d must exceed step timeout %d", fallback.Timeout, leaf.Timeout)
		}
	}

	// Fallback first, then steps in committal order, matching the order
	// committed on-chain. Reordering would change the output address.
	tapLeaves := make([]txscript.TapLeaf, 0, len(steps)+1)
	tapLeaves = append(tapLeaves, fallback.Leaf)
	for _, leaf := range steps {
		tapLeaves = append(tapLeaves, leaf.Leaf)
	}
	indexed := txscript.AssembleTaprootScriptTree(tapLeaves...)
	rootHash := indexed.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	controlBlocks := make(map[string][]byte, len(tapLeaves))
	for _, leaf := range tapLeaves {
		leafHash := leaf.TapHash()
		proofIdx := indexed.LeafProofIndex[leafHash]
		proof := indexed.LeafMerkleProofs[proofIdx]
		block := proof.ToControlBlock(internalKey)
		blockBytes, err := block.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("serialize control block: %w", err)
		}
		controlBlocks[hex.EncodeToString(leaf.Script)] = blockBytes
	}

	return &ScriptTree{
		internalKey:   internalKey,
		outputKey:     outputKey,
		steps:         steps,
		fallback:      fallback,
		controlBlocks: controlBlocks,
	}, nil
}

// OutputKey returns the tweaked Taproot output key.
func (t *ScriptTree) OutputKey() *btcec.PublicKey {
	return t.outputKey
}

// Steps returns the step leaves in committal order.
func (t *ScriptTree) Steps() []ChallengeLeaf {
	return t.steps
}

// Fallback returns the operator recovery leaf.
func (t *ScriptTree) Fallback() FallbackLeaf {
	return t.fallback
}

// LeafCount returns the total number of leaves including the fallback.
func (t *ScriptTree) LeafCount() int {
	return len(t.steps) + 1
}

// Address derives the P2TR address for the given network.
func (t *ScriptTree) Address(params *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(t.outputKey), params)
}

// PkScript returns the scriptPubKey paying to the tree's output key.
func (t *ScriptTree) PkScript(params *chaincfg.Params) ([]byte, error) {
	addr, err := t.Address(params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// ControlBlockFor returns the serialized control block proving that script
// is a member leaf. Fails with ErrScriptNotFound otherwise.
func (t *ScriptTree) ControlBlockFor(script []byte) ([]byte, error) {
	block, ok := t.controlBlocks[hex.EncodeToString(script)]
	if !ok {
		return nil, ErrScriptNotFound
	}
	return block, nil
}
