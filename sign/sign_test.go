package sign

import (
	"bytes"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	privKey, pubKey := GenED25519Keys()
	data := []byte("consensus message")
	sig := SignEd25519(privKey, data)

	ok, err := VerifySignEd25519(pubKey, data, sig)
	if err != nil || !ok {
		t.Fatalf("a valid signature must verify: ok=%v err=%v", ok, err)
	}

	ok, err = VerifySignEd25519(pubKey, []byte("tampered"), sig)
	if err != nil || ok {
		t.Fatal("a signature over different data must not verify")
	}

	_, otherPub := GenED25519Keys()
	ok, err = VerifySignEd25519(otherPub, data, sig)
	if err != nil || ok {
		t.Fatal("a signature must not verify under another key")
	}

	if _, err = VerifySignEd25519(pubKey[:16], data, sig); err == nil {
		t.Fatal("a truncated public key must be rejected")
	}
}

func TestEmptyHash(t *testing.T) {
	if !IsEmptyHash(EmptyHash) {
		t.Fatal("EmptyHash must match itself")
	}
	if IsEmptyHash(HashSum([]byte("block"))) {
		t.Fatal("a payload digest is not the empty hash")
	}
	if !bytes.Equal(EmptyHash, HashSum(nil)) {
		t.Fatal("EmptyHash is the digest of no data")
	}
}
