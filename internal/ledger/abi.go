package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address is a 20-byte account or contract address.
type Address [20]byte

// ParseAddress parses a 0x-prefixed 40-digit hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	h, ok := strings.CutPrefix(s, "0x")
	if !ok {
		h, ok = strings.CutPrefix(s, "0X")
	}
	if !ok || len(h) != 40 {
		return a, fmt.Errorf("invalid address %q: want 0x followed by 40 hex digits", s)
	}
	if _, err := hex.Decode(a[:], []byte(h)); err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return a, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Keccak256 returns the legacy Keccak-256 digest used by the EVM.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a canonical
// signature such as "takeJob(uint256,bytes)".
func Selector(signature string) []byte {
	return Keccak256([]byte(signature))[:4]
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseUint256 parses a decimal job id or amount into a uint256 value.
func ParseUint256(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal integer", s)
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%q is out of uint256 range", s)
	}
	return v, nil
}

// EncodeArgs ABI-encodes args as a tuple. Supported Go types map to
// ABI types as: *big.Int -> uintN, Address -> address, bool -> bool,
// string -> string, []byte -> bytes, []string -> string[],
// []Address -> address[].
func EncodeArgs(args ...any) ([]byte, error) {
	head := make([]byte, 0, 32*len(args))
	var tail []byte
	headSize := 32 * len(args)
	for i, arg := range args {
		if word, ok, err := encodeStatic(arg); err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		} else if ok {
			head = append(head, word...)
			continue
		}
		enc, err := encodeDynamic(arg)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		head = append(head, uintWord(uint64(headSize+len(tail)))...)
		tail = append(tail, enc...)
	}
	return append(head, tail...), nil
}

func encodeStatic(arg any) ([]byte, bool, error) {
	switch v := arg.(type) {
	case *big.Int:
		if v == nil || v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
			return nil, false, errors.New("uint256 out of range")
		}
		return v.FillBytes(make([]byte, 32)), true, nil
	case Address:
		word := make([]byte, 32)
		copy(word[12:], v[:])
		return word, true, nil
	case bool:
		if v {
			return uintWord(1), true, nil
		}
		return uintWord(0), true, nil
	}
	return nil, false, nil
}

func encodeDynamic(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case string:
		return encodeBytes([]byte(v)), nil
	case []byte:
		return encodeBytes(v), nil
	case []string:
		elems := make([]any, len(v))
		for i, s := range v {
			elems[i] = s
		}
		body, err := EncodeArgs(elems...)
		if err != nil {
			return nil, err
		}
		return append(uintWord(uint64(len(v))), body...), nil
	case []Address:
		out := uintWord(uint64(len(v)))
		for _, a := range v {
			word, _, _ := encodeStatic(a)
			out = append(out, word...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported ABI argument type %T", arg)
}

func encodeBytes(b []byte) []byte {
	out := uintWord(uint64(len(b)))
	padded := make([]byte, (len(b)+31)/32*32)
	copy(padded, b)
	return append(out, padded...)
}

func uintWord(n uint64) []byte {
	return new(big.Int).SetUint64(n).FillBytes(make([]byte, 32))
}
