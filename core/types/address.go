package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies an account or module within the kernel.
type Address [20]byte

// Hex returns the 0x-prefixed hexadecimal form of the address.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero sentinel.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a 0x-prefixed 20-byte hexadecimal address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("types: invalid address %q: %w", s, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("types: invalid address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// ModuleAddress derives a deterministic address for a named module or vault so
// engines can hold custody balances without key material.
func ModuleAddress(label string) Address {
	digest := sha256.Sum256([]byte("daokernel/module/" + label))
	var addr Address
	copy(addr[:], digest[:20])
	return addr
}
