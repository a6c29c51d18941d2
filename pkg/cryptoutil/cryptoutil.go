// Package cryptoutil collects the three hash/signature primitives the node
// agrees on with the rest of the system: SHA-256 for transaction and
// validator identifiers, Argon2id for proof-of-work and address derivation,
// and Ed25519 for witness signatures.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for block proof-of-work.
const (
	PoWArgonTime    = 1
	PoWArgonMemory  = 1 << 18
	PoWArgonThreads = 1
	PoWHashLen      = 32
)

// Argon2id parameters for deriving an address from a public key.
const (
	AddrArgonTime    = 1
	AddrArgonMemory  = 1 << 16
	AddrArgonThreads = 1
	AddrHashLen      = 16
)

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex is SHA256 with the digest rendered as a lowercase hex string.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// TxID derives an 8-hex-character transaction identifier from the
// canonical encoding of a transaction's inputs and outputs.
func TxID(canonicalInputsOutputs []byte) string {
	h := sha256.Sum256(canonicalInputsOutputs)
	return hex.EncodeToString(h[:4])
}

// Argon2PoW computes the proof-of-work hash over password under salt using
// the PoW parameter set.
func Argon2PoW(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, PoWArgonTime, PoWArgonMemory, PoWArgonThreads, PoWHashLen)
}

// Argon2Addr derives the raw bytes an address is base58-encoded from,
// given a public key and a salt (conventionally the public key itself).
func Argon2Addr(pubKey, salt []byte) []byte {
	return argon2.IDKey(pubKey, salt, AddrArgonTime, AddrArgonMemory, AddrArgonThreads, AddrHashLen)
}

var ErrInvalidSignature = errors.New("cryptoutil: invalid ed25519 signature")

// VerifyWitness checks an Ed25519 signature over message given a public key.
func VerifyWitness(pubKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// Sign produces an Ed25519 signature over message using a private key.
func Sign(privKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// LeadingZeroBits counts the number of leading zero bits in data, up to
// len(data)*8.
func LeadingZeroBits(data []byte) int {
	count := 0
	for _, b := range data {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// BitsAt reads n bits starting at bit offset from data, returned as an
// integer with the first read bit as the most significant. Returns 0 if
// the range runs past the end of data.
func BitsAt(data []byte, offset, n int) int {
	v := 0
	for i := 0; i < n; i++ {
		bitIndex := offset + i
		byteIndex := bitIndex / 8
		v <<= 1
		if byteIndex >= len(data) {
			continue
		}
		bit := (data[byteIndex] >> (7 - uint(bitIndex%8))) & 1
		v |= int(bit)
	}
	return v
}

const addressLen = 20

// securityClassBits are the leading-zero-bit thresholds assigned to each
// security class, in increasing order of strength.
var securityClassBits = [...]int{0, 4, 8, 12, 16}

// classAlphabetIndex picks a representative character from the base58
// alphabet for each class, spread evenly so classes are visually distinct
// in the rendered address's first character.
var classAlphabetIndex = [...]int{0, 10, 20, 30, 40}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// DeriveAddress derives a 20-character base58 address from a public key
// via Argon2id (m=2^16, hashLen=16). The derived bytes are base58-encoded
// and normalised to exactly 20 characters; the leading character is then
// rewritten to reflect the highest security class whose leading-zero-bit
// requirement SHA256(address ‖ pubKey) actually satisfies, so the class a
// caller observes is always consistent with what DeriveAddress itself
// would find if asked to re-check it.
func DeriveAddress(pubKey []byte) string {
	raw := Argon2Addr(pubKey, pubKey)
	encoded := fixedWidthBase58(raw, addressLen)

	check := SHA256(append([]byte(encoded), pubKey...))
	zeroBits := LeadingZeroBits(check[:])
	best := 0
	for i, bits := range securityClassBits {
		if zeroBits >= bits {
			best = i
		}
	}
	classChar := base58Alphabet[classAlphabetIndex[best]%len(base58Alphabet)]
	return string(classChar) + encoded[1:]
}

// SecurityClassBits returns the leading-zero-bit threshold implied by an
// address's first character, for use in an ownership re-check against
// SHA256(address ‖ pubKey).
func SecurityClassBits(address string) int {
	if len(address) == 0 {
		return 0
	}
	idx := -1
	for i, c := range base58Alphabet {
		if byte(c) == address[0] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0
	}
	best := 0
	for i, class := range classAlphabetIndex {
		if idx >= class {
			best = i
		}
	}
	return securityClassBits[best]
}

func fixedWidthBase58(raw []byte, width int) string {
	s := base58.Encode(raw)
	if len(s) == width {
		return s
	}
	if len(s) > width {
		return s[:width]
	}
	pad := make([]byte, width-len(s))
	for i := range pad {
		pad[i] = '1'
	}
	return string(pad) + s
}

// MeetsDifficulty reports whether hash satisfies the zeros/adjust
// decomposition of a difficulty value: the hash must begin with `zeros`
// zero bits, and the next 5 bits (as an integer) must be >= adjust.
func MeetsDifficulty(hash []byte, difficulty int64) bool {
	if difficulty < 0 {
		difficulty = 0
	}
	zeros := int(difficulty / 16)
	adjust := int(difficulty % 16)
	if LeadingZeroBits(hash) < zeros {
		return false
	}
	return BitsAt(hash, zeros, 5) >= adjust
}
