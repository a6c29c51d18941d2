// Package codec implements the deterministic binary encoding used both on
// the wire and as the hashing pre-image for transactions and blocks.
// Encoding is little-endian and uses the narrowest of 1/2/4/6-byte
// unsigned integer widths that fits a given value; hex fields are packed
// as raw bytes; base58 fields are decoded to their underlying bytes before
// packing. Encoding is a function of the value alone: no clock, no
// map-iteration order.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/txrule"
)

// Integer width tags.
const (
	width1 byte = iota
	width2
	width4
	width6
)

func encodeUint(buf *bytes.Buffer, v uint64) {
	switch {
	case v <= 0xFF:
		buf.WriteByte(width1)
		buf.WriteByte(byte(v))
	case v <= 0xFFFF:
		buf.WriteByte(width2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v <= 0xFFFFFFFF:
		buf.WriteByte(width4)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	default:
		buf.WriteByte(width6)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:6])
	}
}

func decodeUint(r *bytes.Reader) (uint64, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("codec: read uint tag: %w", err)
	}
	var n int
	switch tag {
	case width1:
		n = 1
	case width2:
		n = 2
	case width4:
		n = 4
	case width6:
		n = 6
	default:
		return 0, fmt.Errorf("codec: unknown uint width tag %d", tag)
	}
	b := make([]byte, 8)
	if _, err := r.Read(b[:n]); err != nil {
		return 0, fmt.Errorf("codec: read uint body: %w", err)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// encodeBytes writes a 2-byte little-endian length prefix followed by raw
// bytes. Fields are always well under 64KiB (transactions, hashes, keys).
func encodeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func decodeBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("codec: read bytes length: %w", err)
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("codec: read bytes body: %w", err)
		}
	}
	return b, nil
}

func encodeHexField(buf *bytes.Buffer, hexStr string) error {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return fmt.Errorf("codec: invalid hex field %q: %w", hexStr, err)
	}
	encodeBytes(buf, raw)
	return nil
}

func decodeHexField(r *bytes.Reader) (string, error) {
	raw, err := decodeBytes(r)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func encodeBase58Field(buf *bytes.Buffer, b58 string) error {
	if b58 == "" {
		encodeBytes(buf, nil)
		return nil
	}
	raw, err := base58.Decode(b58)
	if err != nil {
		return fmt.Errorf("codec: invalid base58 field %q: %w", b58, err)
	}
	encodeBytes(buf, raw)
	return nil
}

func decodeBase58Field(r *bytes.Reader) (string, error) {
	raw, err := decodeBytes(r)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", nil
	}
	return base58.Encode(raw), nil
}

// Input variant tags.
const (
	inputVariantAnchor          byte = 0
	inputVariantValidatorReward byte = 1
	inputVariantCoinbase        byte = 2
)

// Output variant tags.
const (
	outputVariantNormal      byte = 0
	outputVariantInscription byte = 1
)

// EncodeInputsOutputs produces the canonical pre-image used for the
// transaction id: the inputs array followed by the outputs array, with no
// id or witness data mixed in.
func EncodeInputsOutputs(inputs []block.TxIn, outputs []block.TxOut) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeInputs(buf, inputs); err != nil {
		return nil, err
	}
	if err := encodeOutputs(buf, outputs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInputs(buf *bytes.Buffer, inputs []block.TxIn) error {
	encodeUint(buf, uint64(len(inputs)))
	for _, in := range inputs {
		switch {
		case in.Anchor != nil:
			buf.WriteByte(inputVariantAnchor)
			encodeUint(buf, in.Anchor.Height)
			if err := encodeHexField(buf, in.Anchor.TxID); err != nil {
				return err
			}
			encodeUint(buf, uint64(in.Anchor.Vout))
		case in.IsValidatorRewardMarker():
			buf.WriteByte(inputVariantValidatorReward)
			addr, hash, err := splitValidatorMarker(in.Marker)
			if err != nil {
				return err
			}
			if err := encodeBase58Field(buf, addr); err != nil {
				return err
			}
			if err := encodeHexField(buf, hash); err != nil {
				return err
			}
		case in.IsCoinbaseMarker():
			buf.WriteByte(inputVariantCoinbase)
			if err := encodeHexField(buf, in.Marker); err != nil {
				return err
			}
		default:
			return fmt.Errorf("codec: input has no encodable variant")
		}
	}
	return nil
}

func decodeInputs(r *bytes.Reader) ([]block.TxIn, error) {
	count, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	inputs := make([]block.TxIn, 0, count)
	for i := uint64(0); i < count; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("codec: read input tag: %w", err)
		}
		switch tag {
		case inputVariantAnchor:
			height, err := decodeUint(r)
			if err != nil {
				return nil, err
			}
			txID, err := decodeHexField(r)
			if err != nil {
				return nil, err
			}
			vout, err := decodeUint(r)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, block.TxIn{Anchor: &block.Anchor{Height: height, TxID: txID, Vout: uint32(vout)}})
		case inputVariantValidatorReward:
			addr, err := decodeBase58Field(r)
			if err != nil {
				return nil, err
			}
			hash, err := decodeHexField(r)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, block.TxIn{Marker: addr + ":" + hash})
		case inputVariantCoinbase:
			nonce, err := decodeHexField(r)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, block.TxIn{Marker: nonce})
		default:
			return nil, fmt.Errorf("codec: unknown input variant tag %d", tag)
		}
	}
	return inputs, nil
}

// encodeRuleParams writes the sixth output field: the rule's typed
// parameters. All four fields are written unconditionally regardless of
// Rule.Kind so decode(encode(x)) == x holds for every structurally valid
// x — a sig/sigOrSlash output simply round-trips its zero values.
func encodeRuleParams(buf *bytes.Buffer, p txrule.Params) error {
	encodeUint(buf, p.UnlockHeight)
	buf.WriteByte(p.Threshold)
	encodeUint(buf, uint64(len(p.CoSigners)))
	for _, addr := range p.CoSigners {
		if err := encodeBase58Field(buf, addr); err != nil {
			return err
		}
	}
	if err := encodeBase58Field(buf, p.Counterparty); err != nil {
		return err
	}
	return nil
}

func decodeRuleParams(r *bytes.Reader) (txrule.Params, error) {
	var p txrule.Params
	unlockHeight, err := decodeUint(r)
	if err != nil {
		return p, err
	}
	p.UnlockHeight = unlockHeight
	threshold, err := r.ReadByte()
	if err != nil {
		return p, fmt.Errorf("codec: read rule threshold: %w", err)
	}
	p.Threshold = threshold
	count, err := decodeUint(r)
	if err != nil {
		return p, err
	}
	if count > 0 {
		p.CoSigners = make([]string, 0, count)
		for i := uint64(0); i < count; i++ {
			addr, err := decodeBase58Field(r)
			if err != nil {
				return p, err
			}
			p.CoSigners = append(p.CoSigners, addr)
		}
	}
	counterparty, err := decodeBase58Field(r)
	if err != nil {
		return p, err
	}
	p.Counterparty = counterparty
	return p, nil
}

func encodeOutputs(buf *bytes.Buffer, outputs []block.TxOut) error {
	encodeUint(buf, uint64(len(outputs)))
	for _, out := range outputs {
		if out.IsInscription() {
			buf.WriteByte(outputVariantInscription)
			encodeBytes(buf, out.Inscription)
			continue
		}
		buf.WriteByte(outputVariantNormal)
		encodeUint(buf, out.Amount)
		buf.WriteByte(out.Rule.Code())
		if err := encodeBase58Field(buf, out.Address); err != nil {
			return err
		}
		if err := encodeRuleParams(buf, out.RuleParams); err != nil {
			return err
		}
	}
	return nil
}

func decodeOutputs(r *bytes.Reader) ([]block.TxOut, error) {
	count, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	outputs := make([]block.TxOut, 0, count)
	for i := uint64(0); i < count; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("codec: read output tag: %w", err)
		}
		switch tag {
		case outputVariantNormal:
			amount, err := decodeUint(r)
			if err != nil {
				return nil, err
			}
			ruleCode, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("codec: read rule code: %w", err)
			}
			rule, err := txrule.FromCode(ruleCode)
			if err != nil {
				return nil, err
			}
			addr, err := decodeBase58Field(r)
			if err != nil {
				return nil, err
			}
			params, err := decodeRuleParams(r)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, block.TxOut{Amount: amount, Rule: rule, RuleParams: params, Address: addr})
		case outputVariantInscription:
			data, err := decodeBytes(r)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, block.TxOut{Inscription: data})
		default:
			return nil, fmt.Errorf("codec: unknown output variant tag %d", tag)
		}
	}
	return outputs, nil
}

func splitValidatorMarker(marker string) (address, hash string, err error) {
	idx := bytes.IndexByte([]byte(marker), ':')
	if idx < 0 {
		return "", "", fmt.Errorf("codec: malformed validator-reward marker %q", marker)
	}
	return marker[:idx], marker[idx+1:], nil
}

// EncodeTransaction produces the full wire encoding of a transaction:
// id, witnesses, version, inputs, outputs.
func EncodeTransaction(tx *block.Transaction) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeHexField(buf, tx.ID); err != nil {
		return nil, err
	}
	encodeUint(buf, uint64(len(tx.Witnesses)))
	for _, w := range tx.Witnesses {
		if err := encodeHexField(buf, w.SignatureHex); err != nil {
			return nil, err
		}
		if err := encodeHexField(buf, w.PubKeyHex); err != nil {
			return nil, err
		}
	}
	encodeUint(buf, uint64(tx.Version))
	if err := encodeInputs(buf, tx.Inputs); err != nil {
		return nil, err
	}
	if err := encodeOutputs(buf, tx.Outputs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTransaction inverts EncodeTransaction.
func DecodeTransaction(data []byte) (*block.Transaction, error) {
	r := bytes.NewReader(data)
	id, err := decodeHexField(r)
	if err != nil {
		return nil, err
	}
	witnessCount, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	witnesses := make([]block.Witness, 0, witnessCount)
	for i := uint64(0); i < witnessCount; i++ {
		sig, err := decodeHexField(r)
		if err != nil {
			return nil, err
		}
		pub, err := decodeHexField(r)
		if err != nil {
			return nil, err
		}
		witnesses = append(witnesses, block.Witness{SignatureHex: sig, PubKeyHex: pub})
	}
	version, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	inputs, err := decodeInputs(r)
	if err != nil {
		return nil, err
	}
	outputs, err := decodeOutputs(r)
	if err != nil {
		return nil, err
	}
	return &block.Transaction{
		ID:        id,
		Version:   uint32(version),
		Inputs:    inputs,
		Outputs:   outputs,
		Witnesses: witnesses,
	}, nil
}

// EncodeBlock produces the full wire encoding of a block: the 10 scalar
// fields followed by the encoded transaction array.
func EncodeBlock(b *block.Block) ([]byte, error) {
	buf := &bytes.Buffer{}
	encodeUint(buf, b.Index)
	encodeUint(buf, b.Supply)
	encodeUint(buf, b.CoinBase)
	encodeUint(buf, uint64(b.Difficulty))
	encodeUint(buf, uint64(b.Legitimacy))
	if err := encodePrevHash(buf, b.PrevHash); err != nil {
		return nil, err
	}
	encodeUint(buf, uint64(b.PosTimestamp))
	encodeUint(buf, uint64(b.Timestamp))
	if err := encodeHexField(buf, b.Hash); err != nil {
		return nil, err
	}
	if err := encodeHexField(buf, b.Nonce); err != nil {
		return nil, err
	}
	encodeUint(buf, uint64(len(b.Txs)))
	for _, tx := range b.Txs {
		txBytes, err := EncodeTransaction(tx)
		if err != nil {
			return nil, err
		}
		encodeBytes(buf, txBytes)
	}
	return buf.Bytes(), nil
}

// DecodeBlock inverts EncodeBlock.
func DecodeBlock(data []byte) (*block.Block, error) {
	r := bytes.NewReader(data)
	index, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	supply, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	coinBase, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	difficulty, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	legitimacy, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	prevHash, err := decodePrevHash(r)
	if err != nil {
		return nil, err
	}
	posTimestamp, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	timestamp, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	hash, err := decodeHexField(r)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeHexField(r)
	if err != nil {
		return nil, err
	}
	txCount, err := decodeUint(r)
	if err != nil {
		return nil, err
	}
	txs := make([]*block.Transaction, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		txBytes, err := decodeBytes(r)
		if err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(txBytes)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return &block.Block{
		Index:        index,
		Supply:       supply,
		CoinBase:     coinBase,
		Difficulty:   int64(difficulty),
		Legitimacy:   int64(legitimacy),
		PrevHash:     prevHash,
		PosTimestamp: int64(posTimestamp),
		Timestamp:    int64(timestamp),
		Hash:         hash,
		Nonce:        nonce,
		Txs:          txs,
	}, nil
}

// prevHash is hex for every block except genesis, which carries the
// literal sentinel. A one-byte marker distinguishes the two so decode
// doesn't need to guess.
const (
	prevHashKindHex     byte = 0
	prevHashKindGenesis byte = 1
)

func encodePrevHash(buf *bytes.Buffer, prevHash string) error {
	if prevHash == block.GenesisPrevHash {
		buf.WriteByte(prevHashKindGenesis)
		return nil
	}
	buf.WriteByte(prevHashKindHex)
	return encodeHexField(buf, prevHash)
}

func decodePrevHash(r *bytes.Reader) (string, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("codec: read prevHash kind: %w", err)
	}
	switch kind {
	case prevHashKindGenesis:
		return block.GenesisPrevHash, nil
	case prevHashKindHex:
		return decodeHexField(r)
	default:
		return "", fmt.Errorf("codec: unknown prevHash kind %d", kind)
	}
}
