package taproot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// maxCommitmentBytes caps the OP_RETURN payload; anything longer is
// truncated before script assembly.
const maxCommitmentBytes = 80

const spendTxVersion = 2

// CommitmentSource selects what the OP_RETURN commitment is derived from.
type CommitmentSource string

const (
	// CommitmentAuto prefers pin handles and falls back to the step chain.
	CommitmentAuto CommitmentSource = "auto"
	// CommitmentPins commits to the concatenated content-store handles.
	CommitmentPins CommitmentSource = "pins"
	// CommitmentChain commits to the concatenated step-chain hex strings.
	CommitmentChain CommitmentSource = "chain"
)

// ComputeCommitment derives the 32-byte commitment carried by the
// zero-value output.
func ComputeCommitment(source CommitmentSource, pinHandles []string, stepChain []string) ([]byte, error) {
	handles := make([]string, 0, len(pinHandles))
	for _, h := range pinHandles {
		if h != "" {
			handles = append(handles, h)
		}
	}
	usePins := false
	switch source {
	case CommitmentPins:
		if len(handles) == 0 {
			return nil, errors.New("commitment source 'pins' selected but no pin handles present")
		}
		usePins = true
	case CommitmentChain:
	case CommitmentAuto, "":
		usePins = len(handles) > 0
	default:
		return nil, fmt.Errorf("unknown commitment source: %q", source)
	}

	var joined string
	if usePins {
		joined = strings.Join(handles, "")
	} else {
		if len(stepChain) == 0 {
			return nil, errors.New("no step chain to commit to")
		}
		joined = strings.Join(stepChain, "")
	}
	sum := sha256.Sum256([]byte(joined))
	return sum[:], nil
}

// UnsignedSpend is the product of one challenge-processing cycle: a fully
// built transaction awaiting an external signature.
type UnsignedSpend struct {
	Tx         *wire.MsgTx
	Leaf       ChallengeLeaf
	PrevOut    wire.OutPoint
	AmountSats int64
	FeeSats    int64
	Commitment []byte
	PkScript   []byte
	SigHash    []byte
}

// WitnessBundle plus an externally supplied signature is sufficient to
// finalize and broadcast a spend.
type WitnessBundle struct {
	Script       []byte
	ControlBlock []byte
	LeafVersion  txscript.TapscriptLeafVersion
	Preimage     []byte
}

// TxBuilder constructs unsigned spends of one challenge tree. It never
// signs; signing is delegated to the external signer collaborator.
type TxBuilder struct {
	tree   *ScriptTree
	params *chaincfg.Params
}

func NewTxBuilder(tree *ScriptTree, params *chaincfg.Params) *TxBuilder {
	return &TxBuilder{tree: tree, params: params}
}

// BuildSpend constructs the transaction spending prevOut through leaf:
// one input with nSequence set to the leaf timeout (required for the
// relative-timelock branch), one main output paying amount-fee back to the
// tree's own address, and one zero-value commitment output. The Taproot
// script-path sighash is computed over this exact transaction.
func (b *TxBuilder) BuildSpend(
	prevOut wire.OutPoint,
	leaf ChallengeLeaf,
	amountSats int64,
	feeSats int64,
	commitment []byte,
) (*UnsignedSpend, error) {
	if b == nil || b.tree == nil {
		return nil, errors.New("nil tx builder")
	}
	if amountSats <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amountSats)
	}
	if feeSats < 0 {
		return nil, fmt.Errorf("fee must be non-negative, got %d", feeSats)
	}
	if feeSats >= amountSats {
		return nil, fmt.Errorf("%w: fee=%d amount=%d", ErrInsufficientAmount, feeSats, amountSats)
	}
	if len(commitment) == 0 {
		return nil, errors.New("commitment payload required")
	}

	pkScript, err := b.tree.PkScript(b.params)
	if err != nil {
		return nil, fmt.Errorf("derive pkScript: %w", err)
	}

	tagged := commitment
	if len(tagged) > maxCommitmentBytes {
		tagged = tagged[:maxCommitmentBytes]
	}
	commitScript, err := txscript.NullDataScript(tagged)
	if err != nil {
		return nil, fmt.Errorf("build commitment output: %w", err)
	}

	tx := wire.NewMsgTx(spendTxVersion)
	txIn := wire.NewTxIn(&prevOut, nil, nil)
	txIn.Sequence = leaf.Timeout
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(amountSats-feeSats, pkScript))
	tx.AddTxOut(wire.NewTxOut(0, commitScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, amountSats)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashAll, tx, 0, fetcher, leaf.Leaf,
	)
	if err != nil {
		return nil, fmt.Errorf("compute tapscript sighash: %w", err)
	}

	return &UnsignedSpend{
		Tx:         tx,
		Leaf:       leaf,
		PrevOut:    prevOut,
		AmountSats: amountSats,
		FeeSats:    feeSats,
		Commitment: append([]byte(nil), tagged...),
		PkScript:   pkScript,
		SigHash:    sigHash,
	}, nil
}

// AssembleWitness looks up the leaf's control block and packages the
// script-path spend data. Fails with ErrScriptNotFound when the leaf does
// not belong to the tree.
func (b *TxBuilder) AssembleWitness(leaf ChallengeLeaf, preimage []byte) (*WitnessBundle, error) {
	if b == nil || b.tree == nil {
		return nil, errors.New("nil tx builder")
	}
	controlBlock, err := b.tree.ControlBlockFor(leaf.Leaf.Script)
	if err != nil {
		return nil, err
	}
	return &WitnessBundle{
		Script:       append([]byte(nil), leaf.Leaf.Script...),
		ControlBlock: controlBlock,
		LeafVersion:  txscript.BaseLeafVersion,
		Preimage:     append([]byte(nil), preimage...),
	}, nil
}

// Packet wraps the unsigned spend into a PSBT carrying the witness UTXO
// and the tapscript leaf data an external signer needs.
func (b *TxBuilder) Packet(spend *UnsignedSpend, bundle *WitnessBundle) (*psbt.Packet, error) {
	if spend == nil || bundle == nil {
		return nil, errors.New("spend and witness bundle required")
	}
	packet, err := psbt.NewFromUnsignedTx(spend.Tx)
	if err != nil {
		return nil, fmt.Errorf("psbt from unsigned tx: %w", err)
	}
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(spend.AmountSats, spend.PkScript)
	packet.Inputs[0].SighashType = txscript.SigHashAll
	packet.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: bundle.ControlBlock,
		Script:       bundle.Script,
		LeafVersion:  bundle.LeafVersion,
	}}
	return packet, nil
}

// VerifyCommitmentPresent reports whether the hex-encoded commitment
// appears in an OP_RETURN data output of the serialized transaction.
// Post-broadcast sanity check, not consensus enforcement.
func VerifyCommitmentPresent(txHex string, expectedHex string) (bool, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(txHex))
	if err != nil {
		return false, fmt.Errorf("decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(spendTxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return false, fmt.Errorf("deserialize tx: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(expectedHex))
	if needle == "" {
		return false, errors.New("expected commitment hex required")
	}
	for _, out := range tx.TxOut {
		if len(out.PkScript) == 0 || out.PkScript[0] != txscript.OP_RETURN {
			continue
		}
		if strings.Contains(hex.EncodeToString(out.PkScript), needle) {
			return true, nil
		}
	}
	return false, nil
}
