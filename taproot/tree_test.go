package taproot

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"bitvm.dev/prover/commit"
)

func testKeys(t *testing.T) (challenger, operator *btcec.PublicKey) {
	t.Helper()
	challengerPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("challenger key: %v", err)
	}
	operatorPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("operator key: %v", err)
	}
	return challengerPriv.PubKey(), operatorPriv.PubKey()
}

func testTree(t *testing.T, steps int) (*ScriptTree, commit.Chain) {
	t.Helper()
	challengerPub, operatorPub := testKeys(t)
	chain, err := commit.Build([]byte("init"), steps)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	timeouts := make([]uint32, steps)
	for i := range timeouts {
		timeouts[i] = uint32(80 * (i + 1))
	}
	leaves, err := ChainLeaves(chain, timeouts, challengerPub, operatorPub)
	if err != nil {
		t.Fatalf("chain leaves: %v", err)
	}
	fallback, err := BuildFallbackLeaf(operatorPub, 300+uint32(80*steps))
	if err != nil {
		t.Fatalf("fallback leaf: %v", err)
	}
	tree, err := BuildTree(operatorPub, fallback, leaves)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree, chain
}

func TestBuildLeafPreconditions(t *testing.T) {
	challengerPub, operatorPub := testKeys(t)
	preimage := []byte("preimage")
	expected := sha256.Sum256(preimage)

	if _, err := BuildLeaf(expected[:16], preimage, 80, challengerPub, operatorPub); err == nil {
		t.Fatalf("expected error for short expected_hash")
	}
	if _, err := BuildLeaf(expected[:], preimage, 0, challengerPub, operatorPub); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
	if _, err := BuildLeaf(expected[:], preimage, 0x10000, challengerPub, operatorPub); err == nil {
		t.Fatalf("expected error for timeout beyond CSV range")
	}
	if _, err := BuildLeaf(expected[:], nil, 80, challengerPub, operatorPub); err == nil {
		t.Fatalf("expected error for empty preimage")
	}

	leaf, err := BuildLeaf(expected[:], preimage, 80, challengerPub, operatorPub)
	if err != nil {
		t.Fatalf("build leaf: %v", err)
	}
	if byte(leaf.Leaf.LeafVersion) != 0xc0 {
		t.Fatalf("expected base leaf version c0, got %x", byte(leaf.Leaf.LeafVersion))
	}
	if !bytes.Contains(leaf.Leaf.Script, expected[:]) {
		t.Fatalf("compiled script must embed the expected hash")
	}
}

func TestChainLeavesOrderAndPreimages(t *testing.T) {
	tree, chain := testTree(t, 3)
	steps := tree.Steps()
	if len(steps) != 3 {
		t.Fatalf("expected 3 step leaves, got %d", len(steps))
	}
	for i, leaf := range steps {
		if !bytes.Equal(leaf.RevealPreimage, chain[i]) {
			t.Fatalf("step %d: preimage must be chain[%d]", i, i)
		}
		if !bytes.Equal(leaf.ExpectedHash, chain[i+1]) {
			t.Fatalf("step %d: expected hash must be chain[%d]", i, i+1)
		}
		h := sha256.Sum256(leaf.RevealPreimage)
		if !bytes.Equal(h[:], leaf.ExpectedHash) {
			t.Fatalf("step %d: preimage does not hash to expected", i)
		}
	}
}

func TestBuildTreeDeterministic(t *testing.T) {
	challengerPub, operatorPub := testKeys(t)
	chain, err := commit.Build([]byte("det"), 3)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	timeouts := []uint32{80, 160, 240}

	build := func() *ScriptTree {
		leaves, err := ChainLeaves(chain, timeouts, challengerPub, operatorPub)
		if err != nil {
			t.Fatalf("chain leaves: %v", err)
		}
		fallback, err := BuildFallbackLeaf(operatorPub, 300)
		if err != nil {
			t.Fatalf("fallback: %v", err)
		}
		tree, err := BuildTree(operatorPub, fallback, leaves)
		if err != nil {
			t.Fatalf("build tree: %v", err)
		}
		return tree
	}

	a, b := build(), build()
	if !a.OutputKey().IsEqual(b.OutputKey()) {
		t.Fatalf("identical leaf sets must derive identical output keys")
	}
	addrA, err := a.Address(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	addrB, err := b.Address(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	if addrA.EncodeAddress() != addrB.EncodeAddress() {
		t.Fatalf("addresses differ across identical builds")
	}
}

func TestControlBlockLookup(t *testing.T) {
	tree, _ := testTree(t, 3)
	for i, leaf := range tree.Steps() {
		block, err := tree.ControlBlockFor(leaf.Leaf.Script)
		if err != nil {
			t.Fatalf("step %d control block: %v", i, err)
		}
		again, err := tree.ControlBlockFor(leaf.Leaf.Script)
		if err != nil {
			t.Fatalf("step %d second lookup: %v", i, err)
		}
		if !bytes.Equal(block, again) {
			t.Fatalf("step %d: control block not stable", i)
		}
		// 33-byte header plus one 32-byte sibling hash per tree level.
		if len(block) < 33 || (len(block)-33)%32 != 0 {
			t.Fatalf("step %d: malformed control block length %d", i, len(block))
		}
	}
	if _, err := tree.ControlBlockFor(tree.Fallback().Leaf.Script); err != nil {
		t.Fatalf("fallback control block: %v", err)
	}

	foreign, err := txscript.NewScriptBuilder().AddOp(txscript.OP_1).Script()
	if err != nil {
		t.Fatalf("foreign script: %v", err)
	}
	if _, err := tree.ControlBlockFor(foreign); err != ErrScriptNotFound {
		t.Fatalf("expected ErrScriptNotFound, got %v", err)
	}
}

func TestBuildTreeRejectsShortFallbackTimeout(t *testing.T) {
	challengerPub, operatorPub := testKeys(t)
	chain, err := commit.Build([]byte("x"), 2)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	leaves, err := ChainLeaves(chain, []uint32{80, 160}, challengerPub, operatorPub)
	if err != nil {
		t.Fatalf("leaves: %v", err)
	}
	fallback, err := BuildFallbackLeaf(operatorPub, 100)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if _, err := BuildTree(operatorPub, fallback, leaves); err == nil {
		t.Fatalf("expected error: fallback timeout not longer than every step timeout")
	}
}

func TestDescriptors(t *testing.T) {
	tree, _ := testTree(t, 3)
	desc, err := tree.Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(desc) != 4 {
		t.Fatalf("expected 4 descriptors (3 steps + fallback), got %d", len(desc))
	}
	if desc[0].Name != "step_0" || desc[3].Name != "operator_fallback" {
		t.Fatalf("unexpected descriptor names: %q %q", desc[0].Name, desc[3].Name)
	}
	for _, d := range desc {
		if d.LeafVersion != "c0" {
			t.Fatalf("descriptor %s: leaf version %q", d.Name, d.LeafVersion)
		}
		if d.Script == "" {
			t.Fatalf("descriptor %s: empty script description", d.Name)
		}
	}
}
