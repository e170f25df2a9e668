package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrWeakPublicKey  = errors.New("address is not a usable signing key")
)

// Address names a balance holder. Participant addresses are ed25519 public
// keys; derived addresses come from DeriveAddress. The zero Address means
// "no identity".
type Address [32]byte

func AddressFromPublicKey(key ed25519.PublicKey) (Address, error) {
	var a Address

	if len(key) != ed25519.PublicKeySize {
		return a, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidAddress, ed25519.PublicKeySize)
	}

	copy(a[:], key)

	return a, nil
}

func ParseAddress(s string) (Address, error) {
	var a Address

	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	if len(b) != len(a) {
		return a, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, len(a), len(b))
	}

	copy(a[:], b)

	return a, nil
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a[:])
}

// VerifyingKey returns the address as an ed25519 public key. Non-canonical
// encodings and points of small order are refused: signatures against them
// can be produced without a private key.
func (a Address) VerifyingKey() (ed25519.PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(a[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWeakPublicKey, err)
	}

	if !bytes.Equal(p.Bytes(), a[:]) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrWeakPublicKey)
	}

	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, fmt.Errorf("%w: small order point", ErrWeakPublicKey)
	}

	return a.PublicKey(), nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText renders the zero Address as an empty string.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}

	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Address{}

		return nil
	}

	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

type Balance struct {
	Address Address `json:"address"`
	Amount  uint64  `json:"amount"`
}

type FundRequest struct {
	Amount uint64 `json:"amount"`
}
