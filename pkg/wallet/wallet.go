// Package wallet holds Ed25519 signing keys for addresses and persists
// them encrypted at rest (AES-GCM over a PBKDF2-derived key, salt and
// nonce prepended to the ciphertext). It is a node-external
// collaborator: the node consumes accounts and signatures but never
// persists private keys itself.
//
// Account is a plain value (address, public key) with no private key in
// it; only the wallet's internal signer entries can produce a signature,
// and transaction builders see just the resulting (signature, pubKey)
// witness pair.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltLen          = 32
)

// Account is a public value: the derived address and the public key it
// came from. It never carries a private key.
type Account struct {
	Address string
	PubKey  []byte
}

type signerEntry struct {
	account Account
	priv    ed25519.PrivateKey
}

// ErrUnknownAddress is returned when an operation names an address the
// wallet holds no key for.
var ErrUnknownAddress = fmt.Errorf("wallet: no key held for address")

// Config configures where and under what passphrase a wallet's keys are
// persisted.
type Config struct {
	WalletFile string
	Passphrase string
}

// Wallet is a set of Ed25519 signers, optionally encrypted to and loaded
// from a file.
type Wallet struct {
	mu      sync.RWMutex
	cfg     Config
	signers map[string]*signerEntry
}

// New returns an empty wallet; call Load to populate it from cfg.WalletFile
// if one already exists.
func New(cfg Config) *Wallet {
	return &Wallet{cfg: cfg, signers: make(map[string]*signerEntry)}
}

// Generate creates a fresh Ed25519 key pair, derives its address, adds
// it to the wallet, and returns the public Account value.
func (w *Wallet) Generate() (Account, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Account{}, fmt.Errorf("wallet: generate key: %w", err)
	}
	account := Account{Address: cryptoutil.DeriveAddress(pub), PubKey: append([]byte(nil), pub...)}
	w.mu.Lock()
	w.signers[account.Address] = &signerEntry{account: account, priv: priv}
	w.mu.Unlock()
	return account, nil
}

// Import adds an externally supplied {pubKeyHex, privKeyHex} tuple to
// the wallet, deriving and returning its address.
func (w *Wallet) Import(pubKeyHex, privKeyHex string) (Account, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Account{}, fmt.Errorf("wallet: invalid public key")
	}
	priv, err := hex.DecodeString(privKeyHex)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return Account{}, fmt.Errorf("wallet: invalid private key")
	}
	account := Account{Address: cryptoutil.DeriveAddress(pub), PubKey: pub}
	w.mu.Lock()
	w.signers[account.Address] = &signerEntry{account: account, priv: ed25519.PrivateKey(priv)}
	w.mu.Unlock()
	return account, nil
}

// Accounts returns every account currently held, in no particular order.
func (w *Wallet) Accounts() []Account {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Account, 0, len(w.signers))
	for _, s := range w.signers {
		out = append(out, s.account)
	}
	return out
}

// Sign produces a raw Ed25519 signature over message using address's key.
func (w *Wallet) Sign(address string, message []byte) ([]byte, error) {
	w.mu.RLock()
	signer, ok := w.signers[address]
	w.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAddress
	}
	return cryptoutil.Sign(signer.priv, message), nil
}

// SignTransaction computes the canonical (inputs, outputs) pre-image,
// then attaches one witness for
// every address among the transaction's input-owning addresses that
// this wallet holds a key for. addressOf resolves an input's anchor to
// its owning address (typically backed by the node's live UTXO index).
func (w *Wallet) SignTransaction(tx *block.Transaction, addressOf func(block.Anchor) (string, bool)) error {
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		return fmt.Errorf("wallet: encode inputs/outputs: %w", err)
	}

	signed := make(map[string]bool)
	for _, in := range tx.Inputs {
		if in.Anchor == nil {
			continue
		}
		address, ok := addressOf(*in.Anchor)
		if !ok || signed[address] {
			continue
		}
		w.mu.RLock()
		signer, held := w.signers[address]
		w.mu.RUnlock()
		if !held {
			continue
		}
		sig := cryptoutil.Sign(signer.priv, preimage)
		tx.Witnesses = append(tx.Witnesses, block.Witness{
			SignatureHex: hex.EncodeToString(sig),
			PubKeyHex:    hex.EncodeToString(signer.account.PubKey),
		})
		signed[address] = true
	}
	if len(tx.Witnesses) == 0 {
		return fmt.Errorf("wallet: no held key could sign any input of transaction %s", tx.ID)
	}
	return nil
}

// persistedAccount is the on-disk JSON shape of one key, sealed as a
// whole file under AES-GCM.
type persistedAccount struct {
	Address string `json:"address"`
	PubKey  string `json:"pubKeyHex"`
	PrivKey string `json:"privKeyHex"`
}

// Save encrypts every held key under cfg.Passphrase and writes them to
// cfg.WalletFile.
func (w *Wallet) Save() error {
	w.mu.RLock()
	persisted := make([]persistedAccount, 0, len(w.signers))
	for _, s := range w.signers {
		persisted = append(persisted, persistedAccount{
			Address: s.account.Address,
			PubKey:  hex.EncodeToString(s.account.PubKey),
			PrivKey: hex.EncodeToString(s.priv),
		})
	}
	w.mu.RUnlock()

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("wallet: marshal accounts: %w", err)
	}
	encrypted, err := w.encrypt(data)
	if err != nil {
		return fmt.Errorf("wallet: encrypt: %w", err)
	}
	return os.WriteFile(w.cfg.WalletFile, encrypted, 0o600)
}

// Load reads and decrypts cfg.WalletFile, replacing the wallet's
// in-memory key set with what it contains.
func (w *Wallet) Load() error {
	encrypted, err := os.ReadFile(w.cfg.WalletFile)
	if err != nil {
		return err
	}
	data, err := w.decrypt(encrypted)
	if err != nil {
		return fmt.Errorf("wallet: decrypt: %w", err)
	}
	var persisted []persistedAccount
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("wallet: unmarshal accounts: %w", err)
	}

	signers := make(map[string]*signerEntry, len(persisted))
	for _, p := range persisted {
		pub, err := hex.DecodeString(p.PubKey)
		if err != nil {
			return fmt.Errorf("wallet: decode pubKey for %s: %w", p.Address, err)
		}
		priv, err := hex.DecodeString(p.PrivKey)
		if err != nil {
			return fmt.Errorf("wallet: decode privKey for %s: %w", p.Address, err)
		}
		signers[p.Address] = &signerEntry{
			account: Account{Address: p.Address, PubKey: pub},
			priv:    ed25519.PrivateKey(priv),
		}
	}

	w.mu.Lock()
	w.signers = signers
	w.mu.Unlock()
	return nil
}

// encrypt seals data under a fresh random salt and nonce, returning
// salt ‖ nonce ‖ ciphertext.
func (w *Wallet) encrypt(data []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(w.cfg.Passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// decrypt inverts encrypt.
func (w *Wallet) decrypt(data []byte) ([]byte, error) {
	if len(data) < saltLen+12 {
		return nil, fmt.Errorf("wallet: ciphertext too short")
	}
	salt := data[:saltLen]
	key := pbkdf2.Key([]byte(w.cfg.Passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	cipherBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(cipherBlock)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < saltLen+nonceSize {
		return nil, fmt.Errorf("wallet: ciphertext too short")
	}
	nonce := data[saltLen : saltLen+nonceSize]
	ciphertext := data[saltLen+nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
