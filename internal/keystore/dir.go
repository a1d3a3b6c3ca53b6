package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"callhome/internal/watch"
)

const (
	trustedDir = "trusted"
	keysDir    = "keys"
	pemExt     = ".pem"
)

// LoadDir reads a keystore directory:
//
//	<dir>/trusted/<name>.pem   trusted certificates, one per file
//	<dir>/keys/<id>.pem        certificate chain followed by the private key
//
// Missing subdirectories are treated as empty.
func LoadDir(dir string) (*Snapshot, error) {
	s := &Snapshot{
		Trusted: map[string]*x509.Certificate{},
		Keys:    map[string]tls.Certificate{},
	}

	err := eachPEM(filepath.Join(dir, trustedDir), func(name string, data []byte) error {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			return fmt.Errorf("keystore: %s: no certificate block", name)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("keystore: %s: %w", name, err)
		}
		s.Trusted[name] = cert
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachPEM(filepath.Join(dir, keysDir), func(id string, data []byte) error {
		pair, err := tls.X509KeyPair(data, data)
		if err != nil {
			return fmt.Errorf("keystore: key %s: %w", id, err)
		}
		s.Keys[id] = pair
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func eachPEM(dir string, fn func(name string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("keystore: read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != pemExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("keystore: read %s: %w", e.Name(), err)
		}
		if err := fn(strings.TrimSuffix(e.Name(), pemExt), data); err != nil {
			return err
		}
	}
	return nil
}

// DirSource keeps a Keystore in sync with a directory.
type DirSource struct {
	dir string
	ks  *Keystore
	log zerolog.Logger
}

// NewDirSource binds dir to ks.
func NewDirSource(dir string, ks *Keystore, log zerolog.Logger) *DirSource {
	return &DirSource{dir: dir, ks: ks, log: log}
}

// Load reads the directory and publishes a new snapshot.
func (d *DirSource) Load() error {
	s, err := LoadDir(d.dir)
	if err != nil {
		return err
	}
	d.ks.Set(s)
	d.log.Info().
		Str("dir", d.dir).
		Int("trusted", len(s.Trusted)).
		Int("keys", len(s.Keys)).
		Msg("keystore loaded")
	return nil
}

// Run loads the directory and reloads it on every change until ctx is done.
func (d *DirSource) Run(ctx context.Context) error {
	if err := d.Load(); err != nil {
		return err
	}

	reload := func() {
		if err := d.Load(); err != nil {
			d.log.Error().Err(err).Str("dir", d.dir).Msg("reload failed, keeping previous keystore")
		}
	}
	match := func(name string) bool { return filepath.Ext(name) == pemExt }

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range []string{trustedDir, keysDir} {
		path := filepath.Join(d.dir, sub)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("keystore: create %s: %w", path, err)
		}
		w, err := watch.New(watch.Config{Dir: path, Match: match}, reload, d.log)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
