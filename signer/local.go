package signer

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/scrypt"

	"bitvm.dev/prover/watcher"
)

const (
	keystoreVersion = "BVKSv1"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// keystoreFile is the on-disk envelope: a secp256k1 secret key sealed
// with AES-256-GCM under a scrypt-derived key.
type keystoreFile struct {
	Version       string `json:"version"`
	PubkeyHex     string `json:"pubkey_hex"`
	KDF           string `json:"kdf"`
	ScryptN       int    `json:"scrypt_n"`
	ScryptR       int    `json:"scrypt_r"`
	ScryptP       int    `json:"scrypt_p"`
	SaltHex       string `json:"salt_hex"`
	NonceHex      string `json:"nonce_hex"`
	CiphertextHex string `json:"ciphertext_hex"`
}

// LocalSigner signs tapscript sighashes in-process with a key loaded
// from an encrypted keystore. Sign already yields a broadcastable raw
// transaction; Finalize only validates and passes it through.
type LocalSigner struct {
	priv *btcec.PrivateKey
}

func NewLocalSigner(priv *btcec.PrivateKey) (*LocalSigner, error) {
	if priv == nil {
		return nil, errors.New("private key required")
	}
	return &LocalSigner{priv: priv}, nil
}

func (s *LocalSigner) PubKey() *btcec.PublicKey {
	return s.priv.PubKey()
}

func sealKey(priv *btcec.PrivateKey, passphrase []byte) (*keystoreFile, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	sealKeyBytes, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sealKeyBytes)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, priv.Serialize(), nil)
	return &keystoreFile{
		Version:       keystoreVersion,
		PubkeyHex:     hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		KDF:           "scrypt",
		ScryptN:       scryptN,
		ScryptR:       scryptR,
		ScryptP:       scryptP,
		SaltHex:       hex.EncodeToString(salt),
		NonceHex:      hex.EncodeToString(nonce),
		CiphertextHex: hex.EncodeToString(ciphertext),
	}, nil
}

// CreateKeystore generates a fresh key, seals it under the passphrase and
// writes the keystore file. It refuses to overwrite an existing file.
func CreateKeystore(path string, passphrase []byte) (*LocalSigner, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase required")
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("keystore already exists: %s", path)
	}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	ks, err := sealKey(priv, passphrase)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write keystore: %w", err)
	}
	return NewLocalSigner(priv)
}

// LoadKeystore opens and unseals a keystore written by CreateKeystore.
func LoadKeystore(path string, passphrase []byte) (*LocalSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var ks keystoreFile
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %q", ks.Version)
	}
	if ks.KDF != "scrypt" {
		return nil, fmt.Errorf("unsupported kdf %q", ks.KDF)
	}
	salt, err := hex.DecodeString(ks.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("salt_hex: %w", err)
	}
	nonce, err := hex.DecodeString(ks.NonceHex)
	if err != nil {
		return nil, fmt.Errorf("nonce_hex: %w", err)
	}
	ciphertext, err := hex.DecodeString(ks.CiphertextHex)
	if err != nil {
		return nil, fmt.Errorf("ciphertext_hex: %w", err)
	}
	sealKeyBytes, err := scrypt.Key(passphrase, salt, ks.ScryptN, ks.ScryptR, ks.ScryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sealKeyBytes)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	keyBytes, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("keystore unseal failed: wrong passphrase or corrupt file")
	}
	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	if ks.PubkeyHex != hex.EncodeToString(pub.SerializeCompressed()) {
		return nil, errors.New("keystore pubkey does not match unsealed key")
	}
	return NewLocalSigner(priv)
}

// Sign produces a BIP340 signature over the tapscript sighash and
// attaches the complete script-path witness. The returned string is the
// finalized raw transaction hex.
func (s *LocalSigner) Sign(_ context.Context, req *watcher.SignRequest) (string, error) {
	if s == nil || s.priv == nil {
		return "", errors.New("signer not initialized")
	}
	if req == nil || req.Tx == nil || req.Witness == nil {
		return "", errors.New("transaction and witness bundle required")
	}
	if len(req.SigHash) != 32 {
		return "", fmt.Errorf("sighash must be 32 bytes, got %d", len(req.SigHash))
	}
	sig, err := schnorr.Sign(s.priv, req.SigHash)
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	// SIGHASH_ALL is explicit, so the byte is appended.
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	tx := req.Tx.Copy()
	tx.TxIn[0].Witness = wire.TxWitness{
		req.Witness.Preimage,
		sigBytes,
		req.Witness.Script,
		req.Witness.ControlBlock,
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize signed tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// Finalize validates that Sign's output deserializes as a witness-bearing
// transaction and returns it unchanged.
func (s *LocalSigner) Finalize(_ context.Context, signed string) (string, error) {
	raw, err := hex.DecodeString(signed)
	if err != nil {
		return "", fmt.Errorf("signed payload is not transaction hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("deserialize signed tx: %w", err)
	}
	if len(tx.TxIn) == 0 || len(tx.TxIn[0].Witness) == 0 {
		return "", errors.New("signed tx carries no witness")
	}
	return signed, nil
}
