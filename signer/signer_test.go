package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"bitvm.dev/prover/commit"
	"bitvm.dev/prover/taproot"
	"bitvm.dev/prover/watcher"
)

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	created, err := CreateKeystore(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	loaded, err := LoadKeystore(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(created.PubKey().SerializeCompressed(), loaded.PubKey().SerializeCompressed()) {
		t.Fatalf("loaded key differs from created key")
	}
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if _, err := CreateKeystore(path, []byte("right")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := LoadKeystore(path, []byte("wrong")); err == nil {
		t.Fatalf("wrong passphrase accepted")
	}
}

func TestKeystoreRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if _, err := CreateKeystore(path, []byte("p")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := CreateKeystore(path, []byte("p")); err == nil {
		t.Fatalf("existing keystore overwritten")
	}
}

func localSignRequest(t *testing.T, challengerPriv *btcec.PrivateKey) *watcher.SignRequest {
	t.Helper()
	operatorPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("operator key: %v", err)
	}
	chain, err := commit.Build([]byte("seed"), 2)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	leaves, err := taproot.ChainLeaves(chain, []uint32{80, 160}, challengerPriv.PubKey(), operatorPriv.PubKey())
	if err != nil {
		t.Fatalf("chain leaves: %v", err)
	}
	fallback, err := taproot.BuildFallbackLeaf(operatorPriv.PubKey(), 400)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	tree, err := taproot.BuildTree(operatorPriv.PubKey(), fallback, leaves)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	hash, err := chainhash.NewHashFromStr(strings.Repeat("12", 32))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	builder := taproot.NewTxBuilder(tree, &chaincfg.RegressionNetParams)
	spend, err := builder.BuildSpend(wire.OutPoint{Hash: *hash, Index: 0}, leaves[0], 50000, 1000, []byte("commitment"))
	if err != nil {
		t.Fatalf("build spend: %v", err)
	}
	bundle, err := builder.AssembleWitness(leaves[0], leaves[0].RevealPreimage)
	if err != nil {
		t.Fatalf("assemble witness: %v", err)
	}
	return &watcher.SignRequest{
		SigHash: spend.SigHash,
		Witness: bundle,
		Tx:      spend.Tx,
	}
}

func TestLocalSignerProducesFinalTx(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	s, err := NewLocalSigner(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	req := localSignRequest(t, priv)

	signed, err := s.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	final, err := s.Finalize(context.Background(), signed)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final != signed {
		t.Fatalf("finalize mutated the signed tx")
	}

	raw, err := hex.DecodeString(final)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	witness := tx.TxIn[0].Witness
	if len(witness) != 4 {
		t.Fatalf("witness stack depth %d, want 4", len(witness))
	}
	if !bytes.Equal(witness[0], req.Witness.Preimage) {
		t.Fatalf("witness[0] is not the preimage")
	}
	if !bytes.Equal(witness[2], req.Witness.Script) {
		t.Fatalf("witness[2] is not the leaf script")
	}
	if !bytes.Equal(witness[3], req.Witness.ControlBlock) {
		t.Fatalf("witness[3] is not the control block")
	}
	// 64-byte BIP340 signature plus the explicit SIGHASH_ALL byte.
	if len(witness[1]) != 65 {
		t.Fatalf("signature length %d, want 65", len(witness[1]))
	}
	sig, err := schnorr.ParseSignature(witness[1][:64])
	if err != nil {
		t.Fatalf("parse signature: %v", err)
	}
	if !sig.Verify(req.SigHash, priv.PubKey()) {
		t.Fatalf("signature does not verify against signing key")
	}
}

func TestLocalSignerRejectsBadSighash(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	s, err := NewLocalSigner(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	req := localSignRequest(t, priv)
	req.SigHash = req.SigHash[:16]
	if _, err := s.Sign(context.Background(), req); err == nil {
		t.Fatalf("short sighash accepted")
	}
}

func TestHWISignerParsesOutput(t *testing.T) {
	s, err := NewHWISigner("/dev/hidraw0", "", 0)
	if err != nil {
		t.Fatalf("new hwi signer: %v", err)
	}
	var gotArgs []string
	s.runCmd = func(_ context.Context, args ...string) ([]byte, error) {
		gotArgs = args
		switch args[2] {
		case "signtx":
			return []byte(`{"psbt": "c2lnbmVk", "signed": true}` + "\n"), nil
		case "finalizepsbt":
			return []byte(`{"hex": "0200ffff", "complete": true}`), nil
		}
		return nil, errors.New("unexpected subcommand")
	}

	signed, err := s.Sign(context.Background(), &watcher.SignRequest{PSBTBase64: "cHNidA=="})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed != "c2lnbmVk" {
		t.Fatalf("signed psbt %q", signed)
	}
	if gotArgs[0] != "--device-path" || gotArgs[1] != "/dev/hidraw0" {
		t.Fatalf("device args %v", gotArgs[:2])
	}

	final, err := s.Finalize(context.Background(), signed)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final != "0200ffff" {
		t.Fatalf("final tx %q", final)
	}
}

func TestHWISignerSurfacesDeviceError(t *testing.T) {
	s, err := NewHWISigner("", "ledger", 0)
	if err != nil {
		t.Fatalf("new hwi signer: %v", err)
	}
	s.runCmd = func(context.Context, ...string) ([]byte, error) {
		return []byte(`{"error": "Device not found"}`), nil
	}
	if _, err := s.Sign(context.Background(), &watcher.SignRequest{PSBTBase64: "cHNidA=="}); err == nil {
		t.Fatalf("device error swallowed")
	}
}
