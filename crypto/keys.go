package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of bech32 addresses.
type AddressPrefix string

const (
	// WorkPrefix tags every ledger identity (clients, freelancers, platforms,
	// reviewers and custody accounts).
	WorkPrefix AddressPrefix = "wk"
)

// AddressLength is the byte length of every ledger identity.
const AddressLength = 20

var errAddressLength = errors.New("crypto: address must be 20 bytes long")

// Address represents a 20-byte ledger identity with a human-readable prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, errAddressLength
	}
	var raw [AddressLength]byte
	copy(raw[:], b)
	return Address{prefix: prefix, bytes: raw}, nil
}

// AddressFromRaw wraps a raw identity with the ledger prefix.
func AddressFromRaw(raw [AddressLength]byte) Address {
	return Address{prefix: WorkPrefix, bytes: raw}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	prefix := a.prefix
	if prefix == "" {
		prefix = WorkPrefix
	}
	encoded, err := bech32.Encode(string(prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// Raw returns the fixed-size identity used by ledger state.
func (a Address) Raw() [AddressLength]byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseAddress decodes a bech32 ledger address into its raw form, rejecting
// foreign prefixes.
func ParseAddress(addrStr string) ([AddressLength]byte, error) {
	trimmed := strings.TrimSpace(addrStr)
	if trimmed == "" {
		return [AddressLength]byte{}, fmt.Errorf("address required")
	}
	addr, err := DecodeAddress(trimmed)
	if err != nil {
		return [AddressLength]byte{}, err
	}
	if addr.Prefix() != WorkPrefix {
		return [AddressLength]byte{}, fmt.Errorf("address prefix %q not supported", addr.Prefix())
	}
	return addr.Raw(), nil
}

// FormatAddress renders a raw identity in bech32 form.
func FormatAddress(raw [AddressLength]byte) string {
	return AddressFromRaw(raw).String()
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	var raw [AddressLength]byte
	copy(raw[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return AddressFromRaw(raw)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// DeriveAddress returns a deterministic identity for the given domain and
// seed. Custody accounts are derived this way so no key controls them.
func DeriveAddress(domain string, seed []byte) [AddressLength]byte {
	digest := crypto.Keccak256([]byte(domain), seed)
	var raw [AddressLength]byte
	copy(raw[:], digest[len(digest)-AddressLength:])
	return raw
}
