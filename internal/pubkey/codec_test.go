package pubkey

import (
	"crypto/dsa" //nolint:staticcheck
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Helpers
// =============================================================================

func newRSA(t *testing.T) *rsa.PublicKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &k.PublicKey
}

func newECDSA(t *testing.T, c elliptic.Curve) *ecdsa.PublicKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(c, rand.Reader)
	require.NoError(t, err)
	return &k.PublicKey
}

// fixedDSA returns a structurally valid DSA key. The codec never checks
// the group parameters, so generating real ones is unnecessary.
func fixedDSA() *dsa.PublicKey {
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{
			P: new(big.Int).SetBytes([]byte{0xf1, 0x02, 0x03, 0x04}),
			Q: big.NewInt(0x7f01),
			G: big.NewInt(2),
		},
		Y: new(big.Int).SetBytes([]byte{0x80, 0x00, 0x01}),
	}
}

func wireString(s []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(s)))
	return append(out, s...)
}

// =============================================================================
// Round trip
// =============================================================================

func TestRoundTrip_RSA(t *testing.T) {
	k := newRSA(t)

	raw, err := Encode(k)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestRoundTrip_DSA(t *testing.T) {
	k := fixedDSA()

	raw, err := Encode(k)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	d := got.(*dsa.PublicKey)
	assert.Equal(t, 0, k.P.Cmp(d.P))
	assert.Equal(t, 0, k.Q.Cmp(d.Q))
	assert.Equal(t, 0, k.G.Cmp(d.G))
	assert.Equal(t, 0, k.Y.Cmp(d.Y))

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestRoundTrip_ECDSA_P256(t *testing.T) {
	k := newECDSA(t, elliptic.P256())

	raw, err := Encode(k)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestEncode_ECDSA_PointIs65BytesUncompressed(t *testing.T) {
	raw, err := Encode(newECDSA(t, elliptic.P256()))
	require.NoError(t, err)

	// type string, curve string, then the point.
	off := 4 + len(TypeECDSA256) + 4 + len(curveP256)
	require.Greater(t, len(raw), off+4)
	assert.Equal(t, uint32(65), binary.BigEndian.Uint32(raw[off:]))
	assert.Equal(t, byte(0x04), raw[off+4])
	assert.Len(t, raw, off+4+65)
}

func TestEncode_MPIntLeadingZero(t *testing.T) {
	raw, err := Encode(fixedDSA())
	require.NoError(t, err)

	// P = f1020304 has its top bit set and must gain a zero byte.
	off := 4 + len(TypeDSA)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(raw[off:]))
	assert.Equal(t, []byte{0x00, 0xf1, 0x02, 0x03, 0x04}, raw[off+4:off+9])
}

// =============================================================================
// Interop with x/crypto/ssh
// =============================================================================

func TestEncode_MatchesSSHMarshal(t *testing.T) {
	for name, k := range map[string]any{
		"rsa":   newRSA(t),
		"ecdsa": newECDSA(t, elliptic.P256()),
	} {
		t.Run(name, func(t *testing.T) {
			sk, err := ssh.NewPublicKey(k)
			require.NoError(t, err)

			raw, err := Encode(k)
			require.NoError(t, err)
			assert.Equal(t, sk.Marshal(), raw)

			// ssh.PublicKey values are accepted directly.
			raw2, err := Encode(sk)
			require.NoError(t, err)
			assert.Equal(t, raw, raw2)
		})
	}
}

// =============================================================================
// Unsupported / malformed
// =============================================================================

func TestEncode_UnsupportedCurve(t *testing.T) {
	for _, c := range []elliptic.Curve{elliptic.P384(), elliptic.P521()} {
		_, err := Encode(newECDSA(t, c))
		assert.ErrorIs(t, err, ErrUnsupportedKeyType)
	}
}

func TestDecode_UnsupportedCurve(t *testing.T) {
	raw := append(wireString([]byte(TypeECDSA256)), wireString([]byte("nistp384"))...)
	raw = append(raw, wireString(make([]byte, 97))...)

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)
}

func TestDecode_UnsupportedType(t *testing.T) {
	_, err := Decode(wireString([]byte("ssh-ed25519")))
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":          nil,
		"truncated rsa":  wireString([]byte(TypeRSA)),
		"short point":    append(append(wireString([]byte(TypeECDSA256)), wireString([]byte(curveP256))...), wireString([]byte{0x04, 1, 2})...),
		"negative mpint": append(wireString([]byte(TypeRSA)), wireString([]byte{0x80})...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			assert.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	raw, err := Encode(newRSA(t))
	require.NoError(t, err)

	_, err = Decode(append(raw, 0x00))
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestReadString(t *testing.T) {
	t.Run("reads length-prefixed bytes and advances", func(t *testing.T) {
		in := cryptobyte.String(append(wireString([]byte("abc")), 0xff))
		var out cryptobyte.String
		require.True(t, readString(&in, &out))
		assert.Equal(t, "abc", string(out))
		assert.Equal(t, cryptobyte.String{0xff}, in)
	})

	t.Run("length larger than input", func(t *testing.T) {
		raw := make([]byte, 4, 6)
		binary.BigEndian.PutUint32(raw, 10)
		in := cryptobyte.String(append(raw, 'a', 'b'))
		var out cryptobyte.String
		assert.False(t, readString(&in, &out))
	})

	t.Run("short length prefix", func(t *testing.T) {
		in := cryptobyte.String{0, 0, 1}
		var out cryptobyte.String
		assert.False(t, readString(&in, &out))
	})
}

func TestDecode_TruncatedLengthPrefix(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 7, 's', 's', 'h'})
	assert.ErrorIs(t, err, ErrMalformedKey)
}
