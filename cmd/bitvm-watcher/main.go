package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"bitvm.dev/prover/commit"
	"bitvm.dev/prover/ipfs"
	"bitvm.dev/prover/noderpc"
	"bitvm.dev/prover/signer"
	"bitvm.dev/prover/store"
	"bitvm.dev/prover/taproot"
	"bitvm.dev/prover/watcher"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]
	argv := os.Args[2:]

	var code int
	switch sub {
	case "run":
		code = cmdRun(argv)
	case "gen-block":
		code = cmdGenBlock(argv)
	case "import":
		code = cmdImport(argv)
	case "list":
		code = cmdList(argv)
	case "keystore-init":
		code = cmdKeystoreInit(argv)
	case "punish":
		code = cmdPunish(argv)
	default:
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bitvm-watcher <run|gen-block|import|list|keystore-init|punish> [flags]")
}

func parseConfig(fs *flag.FlagSet, cfg *watcher.Config, argv []string) error {
	defaults := watcher.DefaultConfig()
	fs.StringVar(&cfg.Network, "network", defaults.Network, "network name (mainnet/testnet/regtest/simnet)")
	fs.StringVar(&cfg.StoreRoot, "store", defaults.StoreRoot, "rollup block store directory")
	fs.StringVar(&cfg.HistoryPath, "history", defaults.HistoryPath, "pin history export path (default: inside store)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", defaults.PollInterval, "challenge poll interval")
	fs.StringVar(&cfg.NodeRPCURL, "rpc-url", defaults.NodeRPCURL, "bitcoind JSON-RPC URL")
	fs.StringVar(&cfg.NodeRPCUser, "rpc-user", defaults.NodeRPCUser, "bitcoind RPC username")
	fs.StringVar(&cfg.NodeRPCPass, "rpc-pass", defaults.NodeRPCPass, "bitcoind RPC password")
	fs.StringVar(&cfg.ClusterPinURL, "cluster-pin-url", defaults.ClusterPinURL, "ipfs-cluster pin endpoint (empty: local pin only)")
	fs.Int64Var(&cfg.FeeSats, "fee", defaults.FeeSats, "challenge spend fee in satoshis")
	commitmentSource := fs.String("commitment-source", string(defaults.CommitmentSource), "OP_RETURN commitment source: auto|pins|chain")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	cfg.CommitmentSource = taproot.CommitmentSource(*commitmentSource)
	return watcher.ValidateConfig(*cfg)
}

func openStore(cfg watcher.Config, withPinner bool) (*store.Store, error) {
	var pinner store.ContentPinner
	if withPinner {
		pinner = ipfs.NewClient(cfg.ClusterPinURL, nil)
	}
	return store.Open(cfg.StoreRoot, cfg.HistoryPath, pinner, nil)
}

func parsePubKey(hexStr, name string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexStr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return pub, nil
}

func cmdRun(argv []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg := watcher.DefaultConfig()
	challengerHex := fs.String("challenger-pub", "", "challenger public key (hex, compressed)")
	operatorHex := fs.String("operator-pub", "", "operator public key (hex, compressed)")
	keystorePath := fs.String("keystore", "", "software keystore path (empty: use hwi)")
	devicePath := fs.String("device-path", "", "hwi device path, e.g. /dev/hidraw0")
	refreshUTXOs := fs.Bool("refresh-utxos", true, "query utxo state for known addresses at startup")
	once := fs.Bool("once", false, "run a single poll pass and exit")
	if err := parseConfig(fs, &cfg, argv); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 2
	}

	var signerImpl watcher.Signer
	var localPub *btcec.PublicKey
	if *keystorePath != "" {
		pass := os.Getenv("BITVM_KEYSTORE_PASSPHRASE")
		if pass == "" {
			fmt.Fprintln(os.Stderr, "BITVM_KEYSTORE_PASSPHRASE must be set for -keystore")
			return 2
		}
		local, err := signer.LoadKeystore(*keystorePath, []byte(pass))
		if err != nil {
			fmt.Fprintln(os.Stderr, "keystore load failed:", err)
			return 2
		}
		signerImpl = local
		localPub = local.PubKey()
	} else {
		hwi, err := signer.NewHWISigner(*devicePath, cfg.SignerDeviceType, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hwi signer init failed:", err)
			return 2
		}
		signerImpl = hwi
	}

	if *challengerHex == "" && localPub != nil {
		*challengerHex = hex.EncodeToString(localPub.SerializeCompressed())
	}
	challengerPub, err := parsePubKey(*challengerHex, "challenger-pub")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	operatorPub, err := parsePubKey(*operatorHex, "operator-pub")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	st, err := openStore(cfg, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store open failed:", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	rpc := noderpc.NewClient(cfg.NodeRPCURL, cfg.NodeRPCUser, cfg.NodeRPCPass, 30*time.Second)
	w, err := watcher.New(cfg, st, rpc, signerImpl, challengerPub, operatorPub, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "watcher init failed:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *refreshUTXOs {
		w.RefreshUTXOState(ctx)
	}
	if *once {
		summary := w.Tick(ctx)
		fmt.Fprintf(os.Stdout, "tick: scanned=%d proofs=%d broadcasts=%d failures=%d\n",
			summary.Scanned, summary.ProofsGenerated, summary.Broadcasts, summary.Failures)
		if summary.Failures > 0 {
			return 1
		}
		return 0
	}
	w.Run(ctx)
	return 0
}

func cmdGenBlock(argv []string) int {
	fs := flag.NewFlagSet("gen-block", flag.ExitOnError)
	cfg := watcher.DefaultConfig()
	seedHex := fs.String("seed", "", "chain seed (hex; random when empty)")
	steps := fs.Int("steps", 3, "number of computation steps")
	addr := fs.String("address", "", "rollup output address")
	amount := fs.Int64("amount", 100000, "rollup output amount in satoshis")
	challenged := fs.Bool("challenged", false, "mark the block challenged on creation")
	if err := parseConfig(fs, &cfg, argv); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 2
	}
	if *addr == "" {
		fmt.Fprintln(os.Stderr, "-address is required")
		return 2
	}

	seed := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	if *seedHex != "" {
		decoded, err := hex.DecodeString(*seedHex)
		if err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
			return 2
		}
		seed = decoded
	}
	chain, err := commit.Build(seed, *steps)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chain build failed:", err)
		return 2
	}

	st, err := openStore(cfg, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store open failed:", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	block := &store.RollupBlock{
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		StepChain:  commit.EncodeHex(chain),
		Timeouts:   cfg.DefaultTimeouts(*steps),
		Outputs:    []store.BlockOutput{{Address: *addr, AmountSats: *amount}},
		Challenged: *challenged,
	}
	id, err := st.Put(block, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "block store failed:", err)
		return 2
	}
	fmt.Fprintf(os.Stdout, "block_id=%s steps=%d challenged=%v\n", id, *steps, *challenged)
	for i, step := range block.StepChain {
		fmt.Fprintf(os.Stdout, "  chain[%d]=%s\n", i, step)
	}
	return 0
}

func cmdImport(argv []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cfg := watcher.DefaultConfig()
	handle := fs.String("handle", "", "content handle to fetch")
	if err := parseConfig(fs, &cfg, argv); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 2
	}
	if *handle == "" {
		fmt.Fprintln(os.Stderr, "-handle is required")
		return 2
	}
	st, err := openStore(cfg, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store open failed:", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	block, id, err := st.ImportFromContentStore(*handle)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import failed:", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "imported block_id=%s steps=%d challenged=%v\n", id, len(block.StepChain), block.Challenged)
	return 0
}

func cmdList(argv []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cfg := watcher.DefaultConfig()
	asJSON := fs.Bool("json", false, "emit one JSON object per block")
	if err := parseConfig(fs, &cfg, argv); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 2
	}
	st, err := openStore(cfg, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store open failed:", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	ids, err := st.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list failed:", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	for _, id := range ids {
		block, err := st.Get(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "block %s unreadable: %v\n", id, err)
			continue
		}
		if *asJSON {
			_ = enc.Encode(map[string]any{"block_id": id, "block": block})
			continue
		}
		fmt.Fprintf(os.Stdout, "%s challenged=%v proof_generated=%v proof_verified=%v steps=%d\n",
			id, block.Challenged, block.ProofGenerated, block.ProofVerified, len(block.StepChain))
	}
	return 0
}

func cmdKeystoreInit(argv []string) int {
	fs := flag.NewFlagSet("keystore-init", flag.ExitOnError)
	out := fs.String("out", "", "output keystore path")
	if err := fs.Parse(argv); err != nil {
		return 2
	}
	if *out == "" {
		fmt.Fprintln(os.Stderr, "-out is required")
		return 2
	}
	pass := os.Getenv("BITVM_KEYSTORE_PASSPHRASE")
	if pass == "" {
		fmt.Fprintln(os.Stderr, "BITVM_KEYSTORE_PASSPHRASE must be set")
		return 2
	}
	s, err := signer.CreateKeystore(*out, []byte(pass))
	if err != nil {
		fmt.Fprintln(os.Stderr, "keystore create failed:", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "keystore=%s pubkey=%s\n", *out, hex.EncodeToString(s.PubKey().SerializeCompressed()))
	return 0
}

func cmdPunish(argv []string) int {
	fs := flag.NewFlagSet("punish", flag.ExitOnError)
	cfg := watcher.DefaultConfig()
	txid := fs.String("txid", "", "funding txid of the punished outpoint")
	vout := fs.Uint("vout", 0, "funding output index")
	amount := fs.Int64("amount", 0, "outpoint amount in satoshis")
	penaltyHex := fs.String("penalty-pub", "", "penalty destination public key (hex, compressed)")
	if err := parseConfig(fs, &cfg, argv); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 2
	}
	if *txid == "" || *amount <= 0 || *penaltyHex == "" {
		fmt.Fprintln(os.Stderr, "-txid, -amount and -penalty-pub are required")
		return 2
	}
	penaltyPub, err := parsePubKey(*penaltyHex, "penalty-pub")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	hash, err := chainhash.NewHashFromStr(*txid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "txid:", err)
		return 2
	}

	record, err := taproot.BuildPunishment(wire.OutPoint{Hash: *hash, Index: uint32(*vout)}, *amount, penaltyPub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "punishment build failed:", err)
		return 1
	}
	psbtB64, err := record.Packet.B64Encode()
	if err != nil {
		fmt.Fprintln(os.Stderr, "psbt encode failed:", err)
		return 1
	}

	st, err := openStore(cfg, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store open failed:", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	artifact := store.PunishmentArtifact{
		PSBT:       psbtB64,
		Txid:       *txid,
		Vout:       uint32(*vout),
		AmountSats: *amount,
		Timestamp:  float64(time.Now().Unix()),
	}
	if err := st.WritePunishment(artifact); err != nil {
		fmt.Fprintln(os.Stderr, "punishment export failed:", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "punishment txid=%s main=%d split=%d\n", *txid, record.MainSats, record.SplitSats)
	return 0
}
