// Package watcher drives dispute detection and resolution: it polls the
// block store for challenged blocks, verifies their committed hash chains,
// derives the Taproot challenge artifacts, and hands the unsigned spend to
// the external signer and broadcaster.
package watcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"bitvm.dev/prover/commit"
	"bitvm.dev/prover/store"
	"bitvm.dev/prover/taproot"
)

// BlockState is the watcher-visible lifecycle position of one block.
type BlockState string

const (
	StateUnchallenged    BlockState = "UNCHALLENGED"
	StatePendingProof    BlockState = "CHALLENGED_PENDING_PROOF"
	StateProofGenerated  BlockState = "PROOF_GENERATED"
	StateSignedBroadcast BlockState = "SIGNED_BROADCAST"
)

// UTXO is one spendable output reported by the node collaborator.
type UTXO struct {
	Txid       string
	Vout       uint32
	AmountSats int64
}

// TxInfo is the decoded view of a broadcast transaction.
type TxInfo struct {
	Hex  string
	Vout []TxOutInfo
}

// TxOutInfo is one output of a broadcast transaction as reported by the
// node.
type TxOutInfo struct {
	ValueBTC     float64
	ScriptPubKey string
}

// NodeRPC is the full-node collaborator contract.
type NodeRPC interface {
	ListUnspent(ctx context.Context, address string) ([]UTXO, error)
	SendRawTransaction(ctx context.Context, txHex string) (string, error)
	GetRawTransaction(ctx context.Context, txid string) (*TxInfo, error)
}

// SignRequest carries everything any signer implementation may need: the
// PSBT for hardware wallets, the raw sighash and witness bundle for
// software signers.
type SignRequest struct {
	PSBTBase64 string
	SigHash    []byte
	Witness    *taproot.WitnessBundle
	Tx         *wire.MsgTx
}

// Signer is the external signing collaborator contract. The watcher
// treats both calls as opaque; any failure surfaces as SIGNING_FAILED.
type Signer interface {
	Sign(ctx context.Context, req *SignRequest) (string, error)
	Finalize(ctx context.Context, signedPSBTBase64 string) (string, error)
}

// Watcher is the per-process challenge state machine. It is a serial
// cooperative poller: one Tick processes all eligible blocks in order,
// and no lock is held across collaborator calls. Running two watcher
// processes against one store is not supported (single-writer
// assumption).
type Watcher struct {
	cfg           Config
	store         *store.Store
	rpc           NodeRPC
	signer        Signer
	logger        *slog.Logger
	params        *chaincfg.Params
	challengerPub *btcec.PublicKey
	operatorPub   *btcec.PublicKey
}

// TickSummary reports what one poll pass did.
type TickSummary struct {
	Scanned         int
	ProofsGenerated int
	Broadcasts      int
	Failures        int
}

func New(
	cfg Config,
	st *store.Store,
	rpc NodeRPC,
	signer Signer,
	challengerPub *btcec.PublicKey,
	operatorPub *btcec.PublicKey,
	logger *slog.Logger,
) (*Watcher, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("nil store")
	}
	if challengerPub == nil || operatorPub == nil {
		return nil, errors.New("challenger and operator pubkeys required")
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:           cfg,
		store:         st,
		rpc:           rpc,
		signer:        signer,
		logger:        logger,
		params:        params,
		challengerPub: challengerPub,
		operatorPub:   operatorPub,
	}, nil
}

// Run drives the polling loop until ctx is cancelled. The loop is
// interruptible only between ticks; a tick never leaves a block
// half-mutated.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("watching for challenge requests", "interval", w.cfg.PollInterval.String())
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// State derives the lifecycle position of a block from its flags and the
// recorded challenge log.
func (w *Watcher) State(id string, block *store.RollupBlock) (BlockState, error) {
	if !block.Challenged {
		return StateUnchallenged, nil
	}
	if !block.ProofGenerated {
		return StatePendingProof, nil
	}
	_, resolved, err := w.store.ChallengeLog(id)
	if err != nil {
		return "", err
	}
	if resolved {
		return StateSignedBroadcast, nil
	}
	return StateProofGenerated, nil
}

// Tick is the single-pass entry point: it processes every eligible block
// exactly once. Per-block failures are logged, attributed by block id,
// and never abort the remainder of the pass.
func (w *Watcher) Tick(ctx context.Context) TickSummary {
	var summary TickSummary
	ids, err := w.store.List()
	if err != nil {
		w.logger.Error("block store listing failed", "error", err.Error())
		summary.Failures++
		return summary
	}
	for _, id := range ids {
		summary.Scanned++
		block, err := w.store.Get(id)
		if err != nil {
			w.logger.Error("block load failed", "block_id", id, "error", err.Error())
			summary.Failures++
			continue
		}
		state, err := w.State(id, block)
		if err != nil {
			w.logger.Error("block state lookup failed", "block_id", id, "error", err.Error())
			summary.Failures++
			continue
		}
		switch state {
		case StatePendingProof:
			if err := w.generateProof(id, block); err != nil {
				w.logger.Error("proof generation failed", "block_id", id, "error", err.Error())
				summary.Failures++
				continue
			}
			summary.ProofsGenerated++
			fallthrough
		case StateProofGenerated:
			if err := w.resolveChallenge(ctx, id, block); err != nil {
				// The block remains PROOF_GENERATED; the next tick
				// re-derives the same unsigned spend and retries.
				w.logger.Warn("challenge resolution failed", "block_id", id,
					"code", string(CodeOf(err)), "error", err.Error())
				summary.Failures++
				continue
			}
			summary.Broadcasts++
		default:
			// UNCHALLENGED and SIGNED_BROADCAST need nothing.
		}
	}
	return summary
}

// generateProof runs chain verification and records the outcome. An
// invalid chain is a terminal, recorded result, not an error: the block
// still advances to PROOF_GENERATED.
func (w *Watcher) generateProof(id string, block *store.RollupBlock) error {
	chain, err := commit.DecodeHex(block.StepChain)
	if err != nil {
		return watcherr(WATCH_ERR_MALFORMED_CHAIN, "decode step_chain", err)
	}
	verified := commit.Verify(chain)
	block.ProofVerified = verified
	block.ProofGenerated = true
	if _, err := w.store.Put(block, id); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "persist proof flags", err)
	}
	if err := w.store.WriteProof(id, store.ProofArtifact{
		ProofSteps: block.StepChain,
		Verified:   verified,
	}); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "export proof", err)
	}
	if verified {
		w.logger.Info("proof valid", "block_id", id, "steps", len(block.StepChain))
	} else {
		w.logger.Warn("proof invalid", "block_id", id, "steps", len(block.StepChain))
	}
	return nil
}

// resolveChallenge builds the challenge tree and unsigned spend for the
// first unresolved step, then drives external signing, broadcast, and the
// commitment-bearing log entry.
func (w *Watcher) resolveChallenge(ctx context.Context, id string, block *store.RollupBlock) error {
	chain, err := commit.DecodeHex(block.StepChain)
	if err != nil {
		return watcherr(WATCH_ERR_MALFORMED_CHAIN, "decode step_chain", err)
	}
	if err := commit.Validate(chain); err != nil {
		return watcherr(WATCH_ERR_MALFORMED_CHAIN, "", err)
	}

	timeouts := block.Timeouts
	if len(timeouts) == 0 {
		timeouts = w.cfg.DefaultTimeouts(len(chain) - 1)
	}
	leaves, err := taproot.ChainLeaves(chain, timeouts, w.challengerPub, w.operatorPub)
	if err != nil {
		return watcherr(WATCH_ERR_MALFORMED_CHAIN, "build challenge leaves", err)
	}
	fallbackTimeout := w.cfg.FallbackTimeout
	for _, t := range timeouts {
		if fallbackTimeout <= t {
			fallbackTimeout = t + w.cfg.StepTimeoutBase
		}
	}
	fallback, err := taproot.BuildFallbackLeaf(w.operatorPub, fallbackTimeout)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "build fallback leaf", err)
	}
	tree, err := taproot.BuildTree(w.operatorPub, fallback, leaves)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "build script tree", err)
	}
	addr, err := tree.Address(w.params)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "derive address", err)
	}
	if err := w.exportTree(id, tree, addr.EncodeAddress()); err != nil {
		return err
	}

	// Funding outpoint for the spend. No UTXO yet is a retryable
	// condition, not a dead end.
	utxos, err := w.rpc.ListUnspent(ctx, addr.EncodeAddress())
	if err != nil {
		return watcherr(WATCH_ERR_NO_UTXO, "list unspent", err)
	}
	if len(utxos) == 0 {
		return watcherr(WATCH_ERR_NO_UTXO, fmt.Sprintf("no spendable outpoint for %s", addr.EncodeAddress()), nil)
	}
	utxo := utxos[0]
	prevHash, err := chainhash.NewHashFromStr(utxo.Txid)
	if err != nil {
		return watcherr(WATCH_ERR_NO_UTXO, "parse funding txid", err)
	}

	commitment, err := taproot.ComputeCommitment(w.cfg.CommitmentSource, block.PinHandles(), block.StepChain)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "derive commitment", err)
	}

	builder := taproot.NewTxBuilder(tree, w.params)
	leaf := leaves[0]
	spend, err := builder.BuildSpend(
		wire.OutPoint{Hash: *prevHash, Index: utxo.Vout},
		leaf, utxo.AmountSats, w.cfg.FeeSats, commitment,
	)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "build spend", err)
	}
	bundle, err := builder.AssembleWitness(leaf, leaf.RevealPreimage)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "assemble witness", err)
	}
	packet, err := builder.Packet(spend, bundle)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "package psbt", err)
	}
	psbtB64, err := packet.B64Encode()
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "encode psbt", err)
	}
	if err := w.store.WriteChallengePSBT(id, psbtB64); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "export challenge psbt", err)
	}

	signed, err := w.signer.Sign(ctx, &SignRequest{
		PSBTBase64: psbtB64,
		SigHash:    spend.SigHash,
		Witness:    bundle,
		Tx:         spend.Tx,
	})
	if err != nil {
		return watcherr(WATCH_ERR_SIGNING_FAILED, "", err)
	}
	if err := w.store.WriteSignedPSBT(id, signed); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "export signed psbt", err)
	}
	txHex, err := w.signer.Finalize(ctx, signed)
	if err != nil {
		return watcherr(WATCH_ERR_SIGNING_FAILED, "finalize", err)
	}
	if err := w.store.WriteFinalTx(id, txHex); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "export final tx", err)
	}

	txid, err := w.rpc.SendRawTransaction(ctx, txHex)
	if err != nil {
		return watcherr(WATCH_ERR_BROADCAST_FAILED, "", err)
	}
	w.logger.Info("challenge broadcast", "block_id", id, "txid", txid)

	commitmentHex := hex.EncodeToString(spend.Commitment)
	w.checkCommitment(ctx, id, txid, txHex, commitmentHex)

	pins := block.PinHandles()
	pinHandle := "N/A"
	if len(pins) > 0 {
		pinHandle = pins[0]
	}
	entry := store.ChallengeLogEntry{
		IPFSHash:   pinHandle,
		Commitment: commitmentHex,
		Txid:       txid,
		SigHash:    hex.EncodeToString(spend.SigHash),
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}
	if err := w.store.RecordChallengeLog(id, entry); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "record challenge log", err)
	}
	return nil
}

// checkCommitment is the post-broadcast sanity check: absence is logged,
// never fatal.
func (w *Watcher) checkCommitment(ctx context.Context, id, txid, localTxHex, commitmentHex string) {
	txHex := localTxHex
	if info, err := w.rpc.GetRawTransaction(ctx, txid); err != nil {
		w.logger.Warn("broadcast verification fetch failed", "block_id", id, "txid", txid, "error", err.Error())
	} else if info.Hex != "" {
		txHex = info.Hex
	}
	found, err := taproot.VerifyCommitmentPresent(txHex, commitmentHex)
	if err != nil {
		w.logger.Warn("commitment scan failed", "block_id", id, "txid", txid, "error", err.Error())
		return
	}
	if found {
		w.logger.Info("commitment present in broadcast tx", "block_id", id, "txid", txid)
	} else {
		w.logger.Warn("commitment missing from broadcast tx", "block_id", id, "txid", txid)
	}
}

func (w *Watcher) exportTree(id string, tree *taproot.ScriptTree, address string) error {
	descriptors, err := tree.Descriptors()
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "describe tree", err)
	}
	raw, err := json.Marshal(descriptors)
	if err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "encode tree descriptors", err)
	}
	if err := w.store.WriteTree(id, store.TreeArtifact{
		TapleafTree: raw,
		Address:     address,
	}); err != nil {
		return watcherr(WATCH_ERR_ARTIFACT, "export tree", err)
	}
	return nil
}

// RefreshUTXOState queries the node for every address tracked by stored
// block outputs and logs the counts. Best-effort startup hygiene.
func (w *Watcher) RefreshUTXOState(ctx context.Context) {
	if w.rpc == nil {
		return
	}
	ids, err := w.store.List()
	if err != nil {
		w.logger.Warn("utxo refresh: listing failed", "error", err.Error())
		return
	}
	seen := make(map[string]struct{})
	for _, id := range ids {
		block, err := w.store.Get(id)
		if err != nil {
			w.logger.Warn("utxo refresh: block load failed", "block_id", id, "error", err.Error())
			continue
		}
		for _, out := range block.Outputs {
			seen[out.Address] = struct{}{}
		}
	}
	w.logger.Info("auto-updating utxo state", "addresses", len(seen))
	for addr := range seen {
		utxos, err := w.rpc.ListUnspent(ctx, addr)
		if err != nil {
			w.logger.Warn("utxo refresh failed", "address", addr, "error", err.Error())
			continue
		}
		w.logger.Info("utxo state", "address", addr, "utxos", len(utxos))
	}
}
