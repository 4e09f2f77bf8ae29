package block

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SignatureVerifier checks a single input's signature against the
// transaction's signing hash. Key management and address derivation live
// outside the core; the ledger only verifies.
type SignatureVerifier interface {
	VerifyInput(tx *Transaction, in *TxInput, ownerAddress string) error
}

// ECDSAVerifier verifies secp256k1 signatures carried as raw 64-byte R||S
// values next to a compressed or uncompressed public key. DeriveAddress,
// when set, binds the public key to the UTXO's owning address.
type ECDSAVerifier struct {
	DeriveAddress func(pubKey []byte) string
}

// VerifyInput implements SignatureVerifier.
func (v *ECDSAVerifier) VerifyInput(tx *Transaction, in *TxInput, ownerAddress string) error {
	pubKey, err := btcec.ParsePubKey(in.PubKey)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	if v.DeriveAddress != nil {
		if derived := v.DeriveAddress(in.PubKey); derived != ownerAddress {
			return fmt.Errorf("public key does not own address %s", ownerAddress)
		}
	}

	if len(in.Signature) != 64 {
		return fmt.Errorf("invalid signature length: %d", len(in.Signature))
	}
	r := new(big.Int).SetBytes(in.Signature[:32])
	s := new(big.Int).SetBytes(in.Signature[32:])
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return fmt.Errorf("invalid signature components")
	}

	if !ecdsa.Verify(pubKey.ToECDSA(), tx.SigHash(), r, s) {
		return fmt.Errorf("signature verification failed for outpoint %s", in.OutPoint())
	}
	return nil
}

// VerifyDigest checks a detached signature over an arbitrary digest, used
// for masternode vote messages.
func VerifyDigest(pubKeyBytes, digest, signature []byte) error {
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	if len(signature) != 64 {
		return fmt.Errorf("invalid signature length: %d", len(signature))
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return fmt.Errorf("invalid signature components")
	}
	if !ecdsa.Verify(pubKey.ToECDSA(), digest, r, s) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
