// Package cryptoimpl supplies reference implementations of the
// loader's Decryptor, Verifier and KeyStore capabilities. AES-CTR and
// SHA-256 stay on the standard library — the spec treats them as
// external cryptographic primitives supplied by the platform, and no
// repo in the retrieval pack ships an alternative AES/SHA
// implementation worth adopting instead (see DESIGN.md). ECDSA
// signature verification uses the pack's secp256k1 library, the one
// piece of this concern the examples do carry a third-party
// implementation for.
package cryptoimpl

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// CTRDecryptor streams AES-CTR decryption of FLASH chunks (§4.4: "if
// crypto enabled, decrypt size bytes into a scratch buffer").
type CTRDecryptor struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
	cur   cipher.Stream
}

// NewCTRDecryptor builds a Decryptor from a key and the initial
// counter value used at the start of every upgrade.
func NewCTRDecryptor(key []byte, iv [aes.BlockSize]byte) (*CTRDecryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoimpl: aes key: %w", err)
	}
	d := &CTRDecryptor{block: block, iv: iv}
	d.Reset()
	return d, nil
}

// Reset implements loader.Decryptor, rewinding the counter to the
// start-of-upgrade IV (called on IDLE entry, §4.4).
func (d *CTRDecryptor) Reset() {
	d.cur = cipher.NewCTR(d.block, d.iv[:])
}

// Stream implements loader.Decryptor.
func (d *CTRDecryptor) Stream(in []byte, out []byte) {
	d.cur.XORKeyStream(out, in)
}

// StaticKeyStore returns a fixed public key (§6 KeyStore).
type StaticKeyStore struct {
	pub [64]byte
}

// NewStaticKeyStore wraps a 64-byte uncompressed secp256k1 public key
// (X||Y, no leading 0x04 prefix, the 64-byte form KeyStore.PublicKey
// returns).
func NewStaticKeyStore(pub [64]byte) StaticKeyStore {
	return StaticKeyStore{pub: pub}
}

// PublicKey implements loader.KeyStore.
func (s StaticKeyStore) PublicKey() [64]byte { return s.pub }

// Secp256k1Verifier implements loader.Verifier using the pack's
// secp256k1 ECDSA library.
type Secp256k1Verifier struct{}

// VerifyECDSA implements loader.Verifier. signature is a raw 64-byte
// r||s pair (not DER), matching the fixed-size signature field in the
// image header (§3).
func (Secp256k1Verifier) VerifyECDSA(pubKey [64]byte, hash [32]byte, signature [64]byte) bool {
	uncompressed := append([]byte{0x04}, pubKey[:]...)
	pub, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(signature[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(signature[32:]); overflow {
		return false
	}

	sig := ecdsa.NewSignature(&r, &s)
	return sig.Verify(hash[:], pub)
}
