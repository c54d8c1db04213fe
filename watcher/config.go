package watcher

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"bitvm.dev/prover/taproot"
)

// Config is constructed once at process start and passed by reference
// into each component; no component reads ambient global state.
type Config struct {
	Network          string                   `json:"network"`
	StoreRoot        string                   `json:"store_root"`
	HistoryPath      string                   `json:"history_path"`
	PollInterval     time.Duration            `json:"poll_interval"`
	NodeRPCURL       string                   `json:"node_rpc_url"`
	NodeRPCUser      string                   `json:"node_rpc_user"`
	NodeRPCPass      string                   `json:"node_rpc_pass"`
	ClusterPinURL    string                   `json:"cluster_pin_url"`
	FeeSats          int64                    `json:"fee_sats"`
	StepTimeoutBase  uint32                   `json:"step_timeout_base"`
	FallbackTimeout  uint32                   `json:"fallback_timeout"`
	CommitmentSource taproot.CommitmentSource `json:"commitment_source"`
	SignerDeviceType string                   `json:"signer_device_type"`
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "rollup_block_db"
	}
	return filepath.Join(home, ".bitvm", "rollup_block_db")
}

func DefaultConfig() Config {
	return Config{
		Network:          "regtest",
		StoreRoot:        DefaultDataDir(),
		HistoryPath:      "",
		PollInterval:     5 * time.Second,
		NodeRPCURL:       "http://127.0.0.1:8332",
		NodeRPCUser:      "user",
		NodeRPCPass:      "password",
		ClusterPinURL:    "http://127.0.0.1:9094/pins",
		FeeSats:          1000,
		StepTimeoutBase:  80,
		FallbackTimeout:  300,
		CommitmentSource: taproot.CommitmentAuto,
		SignerDeviceType: "ledger",
	}
}

var allowedNetworks = map[string]*chaincfg.Params{
	"mainnet": &chaincfg.MainNetParams,
	"testnet": &chaincfg.TestNet3Params,
	"regtest": &chaincfg.RegressionNetParams,
	"simnet":  &chaincfg.SimNetParams,
}

// ChainParams resolves the configured network name.
func (c Config) ChainParams() (*chaincfg.Params, error) {
	params, ok := allowedNetworks[strings.ToLower(strings.TrimSpace(c.Network))]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
	return params, nil
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.StoreRoot) == "" {
		return errors.New("store_root is required")
	}
	if _, err := cfg.ChainParams(); err != nil {
		return err
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll_interval must be > 0")
	}
	if cfg.NodeRPCURL != "" {
		if err := validateHTTPURL(cfg.NodeRPCURL); err != nil {
			return fmt.Errorf("invalid node_rpc_url: %w", err)
		}
	}
	if cfg.ClusterPinURL != "" {
		if err := validateHTTPURL(cfg.ClusterPinURL); err != nil {
			return fmt.Errorf("invalid cluster_pin_url: %w", err)
		}
	}
	if cfg.FeeSats < 0 {
		return errors.New("fee_sats must be >= 0")
	}
	if cfg.StepTimeoutBase == 0 {
		return errors.New("step_timeout_base must be > 0")
	}
	if cfg.FallbackTimeout == 0 {
		return errors.New("fallback_timeout must be > 0")
	}
	switch cfg.CommitmentSource {
	case taproot.CommitmentAuto, taproot.CommitmentPins, taproot.CommitmentChain, "":
	default:
		return fmt.Errorf("invalid commitment_source %q", cfg.CommitmentSource)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// DefaultTimeouts derives the per-step relative-locktime schedule used
// when a block does not commit its own: base, 2*base, 3*base, ...
func (c Config) DefaultTimeouts(steps int) []uint32 {
	out := make([]uint32, steps)
	for i := range out {
		out[i] = c.StepTimeoutBase * uint32(i+1)
	}
	return out
}
