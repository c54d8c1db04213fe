package watcher

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"bitvm.dev/prover/commit"
	"bitvm.dev/prover/store"
)

const fundingTxid = "1163e597f8de767f83a1f45a41ad20f3a959e028e11e2a13e8c8af0e056e3843"

type fakeRPC struct {
	utxos       []UTXO
	listErr     error
	sendErr     error
	broadcasts  []string
	listedAddrs []string
}

func (f *fakeRPC) ListUnspent(_ context.Context, address string) ([]UTXO, error) {
	f.listedAddrs = append(f.listedAddrs, address)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.utxos, nil
}

func (f *fakeRPC) SendRawTransaction(_ context.Context, txHex string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.broadcasts = append(f.broadcasts, txHex)
	return fundingTxid, nil
}

func (f *fakeRPC) GetRawTransaction(_ context.Context, _ string) (*TxInfo, error) {
	if len(f.broadcasts) == 0 {
		return nil, errors.New("unknown txid")
	}
	return &TxInfo{Hex: f.broadcasts[len(f.broadcasts)-1]}, nil
}

type fakeSigner struct {
	signErr     error
	finalizeErr error
	signCalls   int
	txHex       string
}

func (f *fakeSigner) Sign(_ context.Context, req *SignRequest) (string, error) {
	f.signCalls++
	if f.signErr != nil {
		return "", f.signErr
	}
	var buf bytes.Buffer
	if err := req.Tx.Serialize(&buf); err != nil {
		return "", err
	}
	f.txHex = hex.EncodeToString(buf.Bytes())
	return "signed:" + req.PSBTBase64, nil
}

func (f *fakeSigner) Finalize(_ context.Context, signed string) (string, error) {
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	if !strings.HasPrefix(signed, "signed:") {
		return "", errors.New("unexpected psbt payload")
	}
	return f.txHex, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StoreRoot = filepath.Join(t.TempDir(), "rollup_block_db")
	return cfg
}

func testWatcher(t *testing.T, cfg Config, rpc NodeRPC, signer Signer) (*Watcher, *store.Store) {
	t.Helper()
	st, err := store.Open(cfg.StoreRoot, "", nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	challengerPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("challenger key: %v", err)
	}
	operatorPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("operator key: %v", err)
	}
	w, err := New(cfg, st, rpc, signer, challengerPriv.PubKey(), operatorPriv.PubKey(), nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	return w, st
}

func challengedBlock(t *testing.T) *store.RollupBlock {
	t.Helper()
	chain, err := commit.Build([]byte{0xde, 0xad, 0xbe, 0xef}, 3)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	return &store.RollupBlock{
		Timestamp:  1700000000.0,
		StepChain:  commit.EncodeHex(chain),
		Timeouts:   []uint32{80, 160, 240},
		Outputs:    []store.BlockOutput{{Address: "bcrt1qblockout", AmountSats: 5000}},
		Challenged: true,
	}
}

func fundedRPC() *fakeRPC {
	return &fakeRPC{utxos: []UTXO{{Txid: fundingTxid, Vout: 1, AmountSats: 100000}}}
}

func TestTickResolvesChallenge(t *testing.T) {
	rpc := fundedRPC()
	signer := &fakeSigner{}
	cfg := testConfig(t)
	w, st := testWatcher(t, cfg, rpc, signer)

	id, err := st.Put(challengedBlock(t), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	summary := w.Tick(context.Background())
	if summary.Failures != 0 {
		t.Fatalf("tick failures: %d", summary.Failures)
	}
	if summary.ProofsGenerated != 1 || summary.Broadcasts != 1 {
		t.Fatalf("summary %+v, want one proof and one broadcast", summary)
	}

	got, err := st.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ProofGenerated || !got.ProofVerified {
		t.Fatalf("proof flags not set: generated=%v verified=%v", got.ProofGenerated, got.ProofVerified)
	}

	for _, suffix := range []string{"_proof.json", "_tree.json", "_challenge.psbt", "_signed.psbt", "_final.tx"} {
		path := filepath.Join(cfg.StoreRoot, "rollup_block_"+id+suffix)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing artifact %s: %v", suffix, err)
		}
	}

	entry, resolved, err := st.ChallengeLog(id)
	if err != nil {
		t.Fatalf("challenge log: %v", err)
	}
	if !resolved {
		t.Fatalf("challenge log entry not recorded")
	}
	if entry.Txid != fundingTxid {
		t.Fatalf("logged txid %q, want %q", entry.Txid, fundingTxid)
	}
	if entry.Commitment == "" || entry.SigHash == "" {
		t.Fatalf("log entry missing commitment or sighash: %+v", entry)
	}
	if entry.IPFSHash != "N/A" {
		t.Fatalf("logged pin handle %q, want N/A for unpinned block", entry.IPFSHash)
	}

	state, err := w.State(id, got)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != StateSignedBroadcast {
		t.Fatalf("state %q, want %q", state, StateSignedBroadcast)
	}
	if len(rpc.broadcasts) != 1 {
		t.Fatalf("broadcast count %d, want 1", len(rpc.broadcasts))
	}
}

func TestTickIsIdempotentAfterBroadcast(t *testing.T) {
	rpc := fundedRPC()
	signer := &fakeSigner{}
	w, st := testWatcher(t, testConfig(t), rpc, signer)
	if _, err := st.Put(challengedBlock(t), ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	w.Tick(context.Background())
	w.Tick(context.Background())
	if len(rpc.broadcasts) != 1 {
		t.Fatalf("broadcast count %d after second tick, want 1", len(rpc.broadcasts))
	}
	if signer.signCalls != 1 {
		t.Fatalf("sign calls %d, want 1", signer.signCalls)
	}
}

func TestSigningFailureIsRetryable(t *testing.T) {
	rpc := fundedRPC()
	signer := &fakeSigner{signErr: errors.New("device unplugged")}
	w, st := testWatcher(t, testConfig(t), rpc, signer)
	id, err := st.Put(challengedBlock(t), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	summary := w.Tick(context.Background())
	if summary.Failures != 1 || summary.Broadcasts != 0 {
		t.Fatalf("summary %+v, want one failure and no broadcast", summary)
	}
	if _, resolved, _ := st.ChallengeLog(id); resolved {
		t.Fatalf("challenge log recorded despite signing failure")
	}
	got, err := st.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ProofGenerated {
		t.Fatalf("proof flags lost on signing failure")
	}
	state, _ := w.State(id, got)
	if state != StateProofGenerated {
		t.Fatalf("state %q, want %q", state, StateProofGenerated)
	}

	signer.signErr = nil
	summary = w.Tick(context.Background())
	if summary.Broadcasts != 1 || summary.Failures != 0 {
		t.Fatalf("retry summary %+v, want one broadcast", summary)
	}
	if _, resolved, _ := st.ChallengeLog(id); !resolved {
		t.Fatalf("challenge log missing after successful retry")
	}
	if len(rpc.broadcasts) != 1 {
		t.Fatalf("broadcast count %d, want 1", len(rpc.broadcasts))
	}
}

func TestNoFundingUTXOIsRetryable(t *testing.T) {
	rpc := &fakeRPC{}
	w, st := testWatcher(t, testConfig(t), rpc, &fakeSigner{})
	id, err := st.Put(challengedBlock(t), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	summary := w.Tick(context.Background())
	if summary.Failures != 1 {
		t.Fatalf("summary %+v, want one failure", summary)
	}
	got, err := st.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	state, _ := w.State(id, got)
	if state != StateProofGenerated {
		t.Fatalf("state %q, want %q", state, StateProofGenerated)
	}

	rpc.utxos = []UTXO{{Txid: fundingTxid, Vout: 0, AmountSats: 50000}}
	summary = w.Tick(context.Background())
	if summary.Broadcasts != 1 {
		t.Fatalf("retry summary %+v, want one broadcast", summary)
	}
}

func TestInvalidChainRecordedAsUnverified(t *testing.T) {
	rpc := fundedRPC()
	w, st := testWatcher(t, testConfig(t), rpc, &fakeSigner{})
	block := challengedBlock(t)
	// Corrupt an interior step. The hex stays well formed.
	mid := []byte(block.StepChain[1])
	if mid[0] == 'f' {
		mid[0] = '0'
	} else {
		mid[0] = 'f'
	}
	block.StepChain[1] = string(mid)
	id, err := st.Put(block, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	w.Tick(context.Background())
	got, err := st.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ProofGenerated {
		t.Fatalf("proof not generated for tampered chain")
	}
	if got.ProofVerified {
		t.Fatalf("tampered chain reported as verified")
	}
}

func TestMalformedChainBlocksProofGeneration(t *testing.T) {
	w, st := testWatcher(t, testConfig(t), fundedRPC(), &fakeSigner{})
	block := challengedBlock(t)
	block.StepChain = []string{"ab", "cd"} // valid hex, but not 32-byte digests
	block.Timeouts = []uint32{80}
	id, err := st.Put(block, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	summary := w.Tick(context.Background())
	if summary.Failures == 0 {
		t.Fatalf("expected failure for malformed chain")
	}
	got, err := st.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	state, _ := w.State(id, got)
	if state == StateSignedBroadcast {
		t.Fatalf("malformed chain must not reach broadcast")
	}
}

func TestUnchallengedBlockUntouched(t *testing.T) {
	rpc := fundedRPC()
	signer := &fakeSigner{}
	w, st := testWatcher(t, testConfig(t), rpc, signer)
	block := challengedBlock(t)
	block.Challenged = false
	id, err := st.Put(block, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	summary := w.Tick(context.Background())
	if summary.Failures != 0 || summary.ProofsGenerated != 0 || summary.Broadcasts != 0 {
		t.Fatalf("summary %+v, want no activity", summary)
	}
	got, err := st.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProofGenerated {
		t.Fatalf("unchallenged block mutated")
	}
	if signer.signCalls != 0 {
		t.Fatalf("signer invoked for unchallenged block")
	}
}

func TestDefaultTimeoutsUsedWhenBlockOmitsSchedule(t *testing.T) {
	rpc := fundedRPC()
	w, st := testWatcher(t, testConfig(t), rpc, &fakeSigner{})
	block := challengedBlock(t)
	block.Timeouts = nil
	id, err := st.Put(block, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	summary := w.Tick(context.Background())
	if summary.Broadcasts != 1 {
		t.Fatalf("summary %+v, want one broadcast", summary)
	}
	if _, resolved, _ := st.ChallengeLog(id); !resolved {
		t.Fatalf("challenge log missing")
	}
	// The spend of the first step carries the first default timeout as
	// its relative locktime.
	raw, err := hex.DecodeString(rpc.broadcasts[0])
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize broadcast: %v", err)
	}
	if got := tx.TxIn[0].Sequence; got != w.cfg.StepTimeoutBase {
		t.Fatalf("sequence %d, want %d", got, w.cfg.StepTimeoutBase)
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
	bad := cfg
	bad.Network = "liquid"
	if err := ValidateConfig(bad); err == nil {
		t.Fatalf("unknown network accepted")
	}
	bad = cfg
	bad.NodeRPCURL = "ftp://127.0.0.1"
	if err := ValidateConfig(bad); err == nil {
		t.Fatalf("non-http rpc url accepted")
	}
	bad = cfg
	bad.PollInterval = 0
	if err := ValidateConfig(bad); err == nil {
		t.Fatalf("zero poll interval accepted")
	}
}

func TestWatchErrorCodes(t *testing.T) {
	err := watcherr(WATCH_ERR_SIGNING_FAILED, "hsm offline", errors.New("io timeout"))
	if CodeOf(err) != WATCH_ERR_SIGNING_FAILED {
		t.Fatalf("code %q, want %q", CodeOf(err), WATCH_ERR_SIGNING_FAILED)
	}
	wrapped := errors.New("outer")
	if CodeOf(wrapped) != "" {
		t.Fatalf("uncoded error reported code %q", CodeOf(wrapped))
	}
}
