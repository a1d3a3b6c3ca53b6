package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callhome/internal/testutil"
)

// =============================================================================
// Helpers
// =============================================================================

// writeKeystore lays out a keystore dir with one trusted CA and one key.
func writeKeystore(t *testing.T, ca *testutil.CA, key tls.Certificate) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, trustedDir), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, keysDir), 0o700))
	testutil.WriteFile(t, filepath.Join(dir, trustedDir, "ca.pem"), testutil.CertPEM(ca.Cert))
	testutil.WriteFile(t, filepath.Join(dir, keysDir, "controller.pem"), testutil.KeyPairPEM(t, key))
	return dir
}

// =============================================================================
// Keystore
// =============================================================================

func TestKeystore_SubscribeDeliversCurrentAndUpdates(t *testing.T) {
	ks := New()

	var got []*Snapshot
	cancel := ks.Subscribe(func(s *Snapshot) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Trusted)

	ca := testutil.NewCA(t, "ca")
	ks.Set(&Snapshot{Trusted: map[string]*x509.Certificate{"ca": ca.Cert}})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"ca"}, got[1].TrustedNames())
	assert.NotNil(t, got[1].Keys)

	cancel()
	cancel()
	ks.Set(&Snapshot{})
	assert.Len(t, got, 2)
}

// =============================================================================
// LoadDir / DirSource
// =============================================================================

func TestLoadDir(t *testing.T) {
	ca := testutil.NewCA(t, "ca")
	dir := writeKeystore(t, ca, ca.Issue(t, "controller"))

	s, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ca"}, s.TrustedNames())
	assert.Equal(t, []string{"controller"}, s.KeyIDs())
}

func TestLoadDir_Empty(t *testing.T) {
	s, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, s.Trusted)
	assert.Empty(t, s.Keys)
}

func TestLoadDir_BadCertificate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, trustedDir), 0o700))
	testutil.WriteFile(t, filepath.Join(dir, trustedDir, "junk.pem"), []byte("not pem"))

	_, err := LoadDir(dir)
	assert.Error(t, err)
}

func TestDirSource_ReloadsOnChange(t *testing.T) {
	ca := testutil.NewCA(t, "ca")
	dir := writeKeystore(t, ca, ca.Issue(t, "controller"))

	ks := New()
	src := NewDirSource(dir, ks, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool { return len(ks.Snapshot().Keys) == 1 }, 3*time.Second, 20*time.Millisecond)

	other := testutil.NewCA(t, "other")
	testutil.WriteFile(t, filepath.Join(dir, trustedDir, "other.pem"), testutil.CertPEM(other.Cert))

	require.Eventually(t, func() bool { return len(ks.Snapshot().Trusted) == 2 }, 5*time.Second, 50*time.Millisecond)
}

// =============================================================================
// ContextFactory
// =============================================================================

func TestClientConfig_NoKeys(t *testing.T) {
	f := NewContextFactory(New())
	_, err := f.ClientConfig([]string{"missing"})
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestClientConfig_HandshakeAgainstTrustedPeer(t *testing.T) {
	ca := testutil.NewCA(t, "ca")
	ks := New()
	ks.Set(&Snapshot{
		Trusted: map[string]*x509.Certificate{"ca": ca.Cert},
		Keys:    map[string]tls.Certificate{"controller": ca.Issue(t, "controller")},
	})

	cfg, err := NewContextFactory(ks).ClientConfig([]string{"controller", "absent"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	assert.NoError(t, handshake(t, cfg, ca.Issue(t, "device")))

	stranger := testutil.NewCA(t, "stranger")
	assert.Error(t, handshake(t, cfg, stranger.Issue(t, "device")))
}

// handshake runs a TLS server with serverCert on a pipe and returns the
// client-side handshake error.
func handshake(t *testing.T, client *tls.Config, serverCert tls.Certificate) error {
	t.Helper()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	go func() {
		srv := tls.Server(s, &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequireAnyClientCert,
		})
		srv.Handshake() //nolint:errcheck
	}()

	return tls.Client(c, client).Handshake()
}
