package bundle

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestParsePublicKeyEncodings(t *testing.T) {
	pub, _ := newKey(t)
	pemBytes, err := EncodePublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("encode pem: %v", err)
	}
	inputs := map[string][]byte{
		"pem":    pemBytes,
		"base64": []byte(base64.StdEncoding.EncodeToString(pub)),
		"raw64":  []byte(base64.RawStdEncoding.EncodeToString(pub)),
		"hex":    []byte(hex.EncodeToString(pub) + "\n"),
	}
	for name, in := range inputs {
		got, err := ParsePublicKey(in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, pub) {
			t.Fatalf("%s: key mismatch", name)
		}
	}
	if _, err := ParsePublicKey([]byte("abcd")); err == nil {
		t.Fatalf("expected short key rejection")
	}
}

func TestParsePrivateKeyEncodings(t *testing.T) {
	_, priv := newKey(t)
	pemBytes, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		t.Fatalf("encode pem: %v", err)
	}
	inputs := map[string][]byte{
		"pem":  pemBytes,
		"seed": []byte(base64.StdEncoding.EncodeToString(priv.Seed())),
		"full": []byte(hex.EncodeToString(priv)),
	}
	for name, in := range inputs {
		got, err := ParsePrivateKey(in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !got.Equal(priv) {
			t.Fatalf("%s: key mismatch", name)
		}
	}
	if _, err := ParsePrivateKey([]byte(base64.StdEncoding.EncodeToString(make([]byte, 12)))); err == nil {
		t.Fatalf("expected bad length rejection")
	}
}

func TestDecodeKey(t *testing.T) {
	if _, err := DecodeKey("   "); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, err := DecodeKey("not*valid*anything"); err == nil {
		t.Fatalf("expected encoding error")
	}
	out, err := DecodeKey(hex.EncodeToString(make([]byte, ed25519.PublicKeySize)))
	if err != nil || len(out) != ed25519.PublicKeySize {
		t.Fatalf("hex decode: %v len=%d", err, len(out))
	}
}
