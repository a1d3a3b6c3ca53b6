package pubkey

import (
	"crypto/elliptic"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestFormatAuthorized_MatchesOpenSSH(t *testing.T) {
	k := newECDSA(t, elliptic.P256())
	sk, err := ssh.NewPublicKey(k)
	require.NoError(t, err)

	s, err := FormatAuthorized(k)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sk))), s)
}

func TestParseAuthorized_Forms(t *testing.T) {
	k := newRSA(t)
	s, err := FormatAuthorized(k)
	require.NoError(t, err)
	blob := strings.Fields(s)[1]

	for name, in := range map[string]string{
		"typed":        s,
		"with comment": s + " admin@router",
		"bare base64":  blob,
		"padded":       "  " + s + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			got, err := ParseAuthorized(in)
			require.NoError(t, err)
			assert.True(t, k.Equal(got))
		})
	}
}

func TestParseAuthorized_TypeMismatch(t *testing.T) {
	s, err := FormatAuthorized(newRSA(t))
	require.NoError(t, err)

	_, err = ParseAuthorized("ssh-dss " + strings.Fields(s)[1])
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestParseAuthorized_BadBase64(t *testing.T) {
	_, err := ParseAuthorized("ssh-rsa !!!")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestCanonical(t *testing.T) {
	k := newECDSA(t, elliptic.P256())
	s, err := FormatAuthorized(k)
	require.NoError(t, err)

	c1, err := Canonical(strings.Fields(s)[1])
	require.NoError(t, err)
	c2, err := Canonical(s + " comment")
	require.NoError(t, err)
	assert.Equal(t, s, c1)
	assert.Equal(t, c1, c2)
}

func TestFingerprint_MatchesSSH(t *testing.T) {
	k := newRSA(t)
	sk, err := ssh.NewPublicKey(k)
	require.NoError(t, err)

	assert.Equal(t, ssh.FingerprintSHA256(sk), Fingerprint(k))
	assert.Empty(t, Fingerprint(newECDSA(t, elliptic.P384())))
}
