// Package pubkey converts public keys to and from the SSH wire format
// (RFC 4253 section 6.6, RFC 5656 section 3.1).
//
// Supported key types are ssh-rsa, ssh-dss and ecdsa-sha2-nistp256.
package pubkey

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // ssh-dss devices still call home
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/ssh"
)

const (
	TypeRSA      = "ssh-rsa"
	TypeDSA      = "ssh-dss"
	TypeECDSA256 = "ecdsa-sha2-nistp256"

	curveP256 = "nistp256"
)

var (
	// ErrUnsupportedKeyType is returned for any key type or curve the codec
	// does not handle.
	ErrUnsupportedKeyType = errors.New("pubkey: unsupported key type")
	// ErrMalformedKey is returned when the wire encoding cannot be parsed.
	ErrMalformedKey = errors.New("pubkey: malformed key")
)

// Decode parses an SSH wire-format public key.
func Decode(b []byte) (crypto.PublicKey, error) {
	s := cryptobyte.String(b)

	var typ cryptobyte.String
	if !readString(&s, &typ) {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedKey)
	}

	var (
		key crypto.PublicKey
		err error
	)
	switch string(typ) {
	case TypeRSA:
		key, err = decodeRSA(&s)
	case TypeDSA:
		key, err = decodeDSA(&s)
	case TypeECDSA256:
		key, err = decodeECDSA(&s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, string(typ))
	}
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedKey, len(s))
	}
	return key, nil
}

// Encode serializes key into the SSH wire format. Decode(Encode(k)) yields
// a key equal to k.
func Encode(key crypto.PublicKey) ([]byte, error) {
	var b cryptobyte.Builder

	switch k := unwrap(key).(type) {
	case *rsa.PublicKey:
		addString(&b, TypeRSA)
		addMPInt(&b, big.NewInt(int64(k.E)))
		addMPInt(&b, k.N)
	case *dsa.PublicKey:
		addString(&b, TypeDSA)
		addMPInt(&b, k.P)
		addMPInt(&b, k.Q)
		addMPInt(&b, k.G)
		addMPInt(&b, k.Y)
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedKeyType, k.Curve.Params().Name)
		}
		pt, err := k.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		addString(&b, TypeECDSA256)
		addString(&b, curveP256)
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(pt) })
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}

	return b.Bytes()
}

// KeyType returns the SSH algorithm name of key, or "" if unsupported.
func KeyType(key crypto.PublicKey) string {
	switch k := unwrap(key).(type) {
	case *rsa.PublicKey:
		return TypeRSA
	case *dsa.PublicKey:
		return TypeDSA
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return TypeECDSA256
		}
	}
	return ""
}

// unwrap accepts keys handed over by x/crypto/ssh callbacks.
func unwrap(key crypto.PublicKey) crypto.PublicKey {
	if ck, ok := key.(ssh.CryptoPublicKey); ok {
		return ck.CryptoPublicKey()
	}
	return key
}

func decodeRSA(s *cryptobyte.String) (crypto.PublicKey, error) {
	e, err := readMPInt(s)
	if err != nil {
		return nil, err
	}
	n, err := readMPInt(s)
	if err != nil {
		return nil, err
	}
	if !e.IsInt64() || e.Int64() > 1<<31-1 || e.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rsa exponent out of range", ErrMalformedKey)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func decodeDSA(s *cryptobyte.String) (crypto.PublicKey, error) {
	var ints [4]*big.Int
	for i := range ints {
		v, err := readMPInt(s)
		if err != nil {
			return nil, err
		}
		ints[i] = v
	}
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{P: ints[0], Q: ints[1], G: ints[2]},
		Y:          ints[3],
	}, nil
}

func decodeECDSA(s *cryptobyte.String) (crypto.PublicKey, error) {
	var curve, pt cryptobyte.String
	if !readString(s, &curve) || !readString(s, &pt) {
		return nil, fmt.Errorf("%w: truncated ecdsa key", ErrMalformedKey)
	}
	if string(curve) != curveP256 {
		return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedKeyType, string(curve))
	}
	if len(pt) != 65 || pt[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected 65-byte uncompressed point", ErrMalformedKey)
	}
	k, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), pt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return k, nil
}

func readMPInt(s *cryptobyte.String) (*big.Int, error) {
	var v cryptobyte.String
	if !readString(s, &v) {
		return nil, fmt.Errorf("%w: truncated mpint", ErrMalformedKey)
	}
	if len(v) > 0 && v[0]&0x80 != 0 {
		return nil, fmt.Errorf("%w: negative mpint", ErrMalformedKey)
	}
	return new(big.Int).SetBytes(v), nil
}

// readString reads an RFC 4251 string: a uint32 length and that many bytes.
func readString(s *cryptobyte.String, out *cryptobyte.String) bool {
	var n uint32
	var b []byte
	if !s.ReadUint32(&n) || !s.ReadBytes(&b, int(n)) {
		return false
	}
	*out = b
	return true
}

// addMPInt writes a non-negative integer as an RFC 4251 mpint: minimal
// big-endian bytes with a leading zero when the top bit is set.
func addMPInt(b *cryptobyte.Builder, v *big.Int) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		if v.Sign() == 0 {
			return
		}
		raw := v.Bytes()
		if raw[0]&0x80 != 0 {
			b.AddUint8(0)
		}
		b.AddBytes(raw)
	})
}

func addString(b *cryptobyte.Builder, s string) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(s)) })
}
