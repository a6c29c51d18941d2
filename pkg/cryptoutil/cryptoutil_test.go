package cryptoutil

import (
	"crypto/ed25519"
	"testing"
)

func TestTxIDLength(t *testing.T) {
	id := TxID([]byte("inputs-and-outputs"))
	if len(id) != 8 {
		t.Fatalf("expected 8 hex chars, got %d (%s)", len(id), id)
	}
}

func TestVerifyWitnessRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("pay B 30000000")
	sig := Sign(priv, msg)
	if !VerifyWitness(pub, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if VerifyWitness(pub, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different message to fail")
	}
}

func TestMeetsDifficultyZero(t *testing.T) {
	hash := []byte{0xff, 0xff, 0xff, 0xff}
	if !MeetsDifficulty(hash, 0) {
		t.Fatalf("difficulty 0 must be trivially satisfied")
	}
}

func TestMeetsDifficultyZeroBits(t *testing.T) {
	hash := []byte{0x00, 0x00, 0xff, 0xff} // 16 leading zero bits
	if !MeetsDifficulty(hash, 16*16) {
		t.Fatalf("expected 16 leading zero bits to satisfy 16 required zeros")
	}
	if MeetsDifficulty(hash, 17*16) {
		t.Fatalf("expected a 17th required zero bit to fail against the 0xff continuation")
	}
}

func TestArgon2AddrDeterministic(t *testing.T) {
	pub := []byte("some-public-key-bytes-000000000")
	a := Argon2Addr(pub, pub)
	b := Argon2Addr(pub, pub)
	if string(a) != string(b) {
		t.Fatalf("argon2 address derivation must be deterministic")
	}
	if len(a) != AddrHashLen {
		t.Fatalf("expected %d bytes, got %d", AddrHashLen, len(a))
	}
}
