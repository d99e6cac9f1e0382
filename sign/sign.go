/*
Package sign wraps the cryptographic primitives the consensus engine
relies on: ED25519 keys and signatures plus SHA256 hashing.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// EmptyHash is the well-known digest marking an empty proposal.
var EmptyHash = HashSum(nil)

// GenED25519Keys creates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with the private key.
func SignEd25519(privKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privKey, data)
}

// VerifySignEd25519 checks the signature against the public key.
func VerifySignEd25519(pubKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, errors.New("invalid ED25519 public key")
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// HashSum returns the SHA256 digest of the data.
func HashSum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// IsEmptyHash reports whether the digest marks an empty proposal.
func IsEmptyHash(hash []byte) bool {
	if len(hash) != len(EmptyHash) {
		return false
	}
	for i := range hash {
		if hash[i] != EmptyHash[i] {
			return false
		}
	}
	return true
}
