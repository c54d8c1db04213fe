// Package signer provides the two signing collaborators the watcher can
// be wired with: a hardware wallet driven through the hwi CLI and a
// software signer backed by an encrypted on-disk keystore.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"bitvm.dev/prover/watcher"
)

// HWISigner drives an attached hardware wallet through the `hwi` binary.
// It never sees key material; the device signs the PSBT internally.
type HWISigner struct {
	binary     string
	devicePath string
	deviceType string
	timeout    time.Duration

	// runCmd is swapped in tests.
	runCmd func(ctx context.Context, args ...string) ([]byte, error)
}

// NewHWISigner selects the device by path when given, falling back to
// --device-type discovery otherwise.
func NewHWISigner(devicePath, deviceType string, timeout time.Duration) (*HWISigner, error) {
	if devicePath == "" && deviceType == "" {
		return nil, errors.New("device path or device type required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &HWISigner{
		binary:     "hwi",
		devicePath: devicePath,
		deviceType: deviceType,
		timeout:    timeout,
	}
	s.runCmd = s.execHWI
	return s, nil
}

func (s *HWISigner) deviceArgs() []string {
	if s.devicePath != "" {
		return []string{"--device-path", s.devicePath}
	}
	return []string{"--device-type", s.deviceType}
}

func (s *HWISigner) execHWI(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.binary, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("hwi: %w", err)
		}
		return nil, fmt.Errorf("hwi: %w (%s)", err, msg)
	}
	return out, nil
}

// Sign hands the PSBT to the device and returns the signed PSBT base64.
func (s *HWISigner) Sign(ctx context.Context, req *watcher.SignRequest) (string, error) {
	if req == nil || req.PSBTBase64 == "" {
		return "", errors.New("psbt required")
	}
	args := append(s.deviceArgs(), "signtx", "--psbt", req.PSBTBase64)
	out, err := s.runCmd(ctx, args...)
	if err != nil {
		return "", err
	}
	var decoded struct {
		PSBT  string `json:"psbt"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &decoded); err != nil {
		return "", fmt.Errorf("hwi signtx: decode output: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("hwi signtx: %s", decoded.Error)
	}
	if decoded.PSBT == "" {
		return "", errors.New("hwi signtx: no psbt in output")
	}
	return decoded.PSBT, nil
}

// Finalize extracts the broadcastable raw transaction from a signed PSBT.
func (s *HWISigner) Finalize(ctx context.Context, signedPSBTBase64 string) (string, error) {
	if signedPSBTBase64 == "" {
		return "", errors.New("signed psbt required")
	}
	args := append(s.deviceArgs(), "finalizepsbt", "--psbt", signedPSBTBase64)
	out, err := s.runCmd(ctx, args...)
	if err != nil {
		return "", err
	}
	var decoded struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &decoded); err != nil {
		return "", fmt.Errorf("hwi finalizepsbt: decode output: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("hwi finalizepsbt: %s", decoded.Error)
	}
	if decoded.Hex == "" {
		return "", errors.New("hwi finalizepsbt: psbt did not finalize to a transaction")
	}
	return decoded.Hex, nil
}
