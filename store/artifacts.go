package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// ProofArtifact is the rollup_block_{id}_proof.json payload.
type ProofArtifact struct {
	ProofSteps []string `json:"proof_steps"`
	Verified   bool     `json:"verified"`
}

// TreeArtifact is the rollup_block_{id}_tree.json payload. Leaves carries
// the op-level descriptors produced by the taproot package.
type TreeArtifact struct {
	TapleafTree json.RawMessage `json:"tapleaf_tree"`
	Address     string          `json:"address,omitempty"`
}

// PunishmentArtifact is the punishment_{txid}.json payload.
type PunishmentArtifact struct {
	PSBT       string  `json:"psbt"`
	Txid       string  `json:"txid"`
	Vout       uint32  `json:"vout"`
	AmountSats int64   `json:"amount_sats"`
	Timestamp  float64 `json:"timestamp"`
}

func jsonIndent(v any) []byte {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// Artifact payloads are plain structs; failure here is a
		// programming error.
		panic(fmt.Sprintf("encode artifact: %v", err))
	}
	return append(raw, '\n')
}

func (s *Store) writeArtifact(id string, suffix string, data []byte) error {
	path := filepath.Join(s.rootPath, blockFilePrefix+id+suffix)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s%s: %w", id, suffix, err)
	}
	return nil
}

// WriteProof exports the proof artifact for a processed block.
func (s *Store) WriteProof(id string, artifact ProofArtifact) error {
	if err := validBlockID(id); err != nil {
		return err
	}
	return s.writeArtifact(id, "_proof.json", jsonIndent(artifact))
}

// WriteTree exports the script-tree artifact.
func (s *Store) WriteTree(id string, artifact TreeArtifact) error {
	if err := validBlockID(id); err != nil {
		return err
	}
	return s.writeArtifact(id, "_tree.json", jsonIndent(artifact))
}

// WriteChallengePSBT exports the unsigned base64 PSBT.
func (s *Store) WriteChallengePSBT(id string, psbtB64 string) error {
	if err := validBlockID(id); err != nil {
		return err
	}
	return s.writeArtifact(id, "_challenge.psbt", []byte(psbtB64+"\n"))
}

// WriteSignedPSBT exports the externally signed base64 PSBT.
func (s *Store) WriteSignedPSBT(id string, psbtB64 string) error {
	if err := validBlockID(id); err != nil {
		return err
	}
	return s.writeArtifact(id, "_signed.psbt", []byte(psbtB64+"\n"))
}

// WriteFinalTx exports the finalized raw transaction hex.
func (s *Store) WriteFinalTx(id string, txHex string) error {
	if err := validBlockID(id); err != nil {
		return err
	}
	return s.writeArtifact(id, "_final.tx", []byte(txHex+"\n"))
}

// WritePunishment exports the penalty PSBT pair keyed by the punished
// outpoint's txid and appends to the shared punishment log.
func (s *Store) WritePunishment(artifact PunishmentArtifact) error {
	base := filepath.Join(s.rootPath, "punishment_"+artifact.Txid)
	if err := writeFileAtomic(base+".psbt", []byte(artifact.PSBT+"\n"), 0o644); err != nil {
		return fmt.Errorf("write punishment psbt: %w", err)
	}
	if err := writeFileAtomic(base+".json", jsonIndent(artifact), 0o644); err != nil {
		return fmt.Errorf("write punishment record: %w", err)
	}
	return s.appendPunishmentLog(artifact)
}

func (s *Store) appendPunishmentLog(artifact PunishmentArtifact) error {
	path := filepath.Join(s.rootPath, "punishment_log.json")
	var entries []PunishmentArtifact
	if raw, err := readFileIfExists(path); err != nil {
		return err
	} else if raw != nil {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("decode punishment log: %w", err)
		}
	}
	entries = append(entries, artifact)
	return writeFileAtomic(path, jsonIndent(entries), 0o644)
}
