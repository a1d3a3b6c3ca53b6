package datastore

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"callhome/internal/models"
	"callhome/internal/watch"
)

// fileCredentials mirrors models.Credentials in the devices file.
type fileCredentials struct {
	Username  string   `yaml:"username"`
	Passwords []string `yaml:"passwords"`
}

type fileGlobal struct {
	AcceptAllSSHKeys bool             `yaml:"accept-all-ssh-keys"`
	Credentials      *fileCredentials `yaml:"credentials"`
	NamingStrategy   string           `yaml:"mount-point-naming-strategy"`
}

type fileDevice struct {
	UniqueID string `yaml:"unique-id"`

	SSH *struct {
		HostKey     string           `yaml:"host-key"`
		Credentials *fileCredentials `yaml:"credentials"`
	} `yaml:"ssh-client-params"`

	TLS *struct {
		KeyID         string `yaml:"key-id"`
		CertificateID string `yaml:"certificate-id"`
	} `yaml:"tls-client-params"`

	// Pre-transport schema.
	SSHHostKey  string           `yaml:"ssh-host-key"`
	Credentials *fileCredentials `yaml:"credentials"`
}

// File is the on-disk layout of the allowed-devices configuration.
type File struct {
	Global  *fileGlobal  `yaml:"global"`
	Devices []fileDevice `yaml:"devices"`
}

// ParseFile decodes the allowed-devices YAML document.
func ParseFile(data []byte) (*models.GlobalPolicy, []models.Device, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("datastore: parse devices file: %w", err)
	}

	var global *models.GlobalPolicy
	if f.Global != nil {
		global = &models.GlobalPolicy{
			AcceptAllSSHKeys: f.Global.AcceptAllSSHKeys,
			Credentials:      f.Global.Credentials.model(),
			NamingStrategy:   models.NamingStrategy(f.Global.NamingStrategy),
		}
		switch global.NamingStrategy {
		case "", models.IPOnly, models.IPPort:
		default:
			return nil, nil, fmt.Errorf("datastore: unknown naming strategy %q", f.Global.NamingStrategy)
		}
	}

	seen := make(map[string]bool, len(f.Devices))
	devices := make([]models.Device, 0, len(f.Devices))
	for i, fd := range f.Devices {
		if fd.UniqueID == "" {
			return nil, nil, fmt.Errorf("datastore: device #%d has no unique-id", i)
		}
		if seen[fd.UniqueID] {
			return nil, nil, fmt.Errorf("datastore: duplicate device %q", fd.UniqueID)
		}
		seen[fd.UniqueID] = true

		d := models.Device{
			UniqueID:    fd.UniqueID,
			SSHHostKey:  fd.SSHHostKey,
			Credentials: fd.Credentials.model(),
		}
		switch {
		case fd.SSH != nil && fd.TLS != nil:
			return nil, nil, fmt.Errorf("datastore: device %q has both ssh and tls params", fd.UniqueID)
		case fd.SSH != nil:
			d.Transport = models.SSHTransport{HostKey: fd.SSH.HostKey, Credentials: fd.SSH.Credentials.model()}
		case fd.TLS != nil:
			d.Transport = models.TLSTransport{KeyID: fd.TLS.KeyID, CertificateID: fd.TLS.CertificateID}
		}
		devices = append(devices, d)
	}

	return global, devices, nil
}

func (c *fileCredentials) model() *models.Credentials {
	if c == nil {
		return nil
	}
	return &models.Credentials{Username: c.Username, Passwords: c.Passwords}
}

// FileSource loads the allowed-devices file into a Store and keeps it in
// sync with the file on disk.
type FileSource struct {
	path  string
	store *Store
	log   zerolog.Logger

	mu sync.Mutex
}

// NewFileSource binds path to store.
func NewFileSource(path string, store *Store, log zerolog.Logger) *FileSource {
	return &FileSource{path: path, store: store, log: log}
}

// Load reads the file and reconciles the store with it. A missing file
// is treated as empty configuration.
func (s *FileSource) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("datastore: read %s: %w", s.path, err)
	}

	global, devices, err := ParseFile(data)
	if err != nil {
		return err
	}

	if global != nil {
		if cur, ok := s.store.Global.Get(); !ok || !reflect.DeepEqual(cur, *global) {
			s.store.Global.Set(*global)
		}
	} else if _, ok := s.store.Global.Get(); ok {
		s.store.Global.Clear()
	}

	muts := diff(s.store.Devices.Snapshot(), devices)
	s.store.Devices.Apply(muts)

	s.log.Info().
		Str("path", s.path).
		Int("devices", len(devices)).
		Int("changes", len(muts)).
		Msg("allowed devices loaded")
	return nil
}

// Run loads the file and then reloads it on every change until ctx is done.
func (s *FileSource) Run(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}

	name := filepath.Base(s.path)
	w, err := watch.New(watch.Config{
		Dir:   filepath.Dir(s.path),
		Match: func(n string) bool { return n == name },
	}, func() {
		if err := s.Load(); err != nil {
			s.log.Error().Err(err).Str("path", s.path).Msg("reload failed, keeping previous configuration")
		}
	}, s.log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// diff computes the mutations turning cur into want.
func diff(cur map[string]models.Device, want []models.Device) []Mutation[models.Device] {
	var muts []Mutation[models.Device]
	keep := make(map[string]bool, len(want))
	for _, d := range want {
		keep[d.UniqueID] = true
		if old, ok := cur[d.UniqueID]; ok && reflect.DeepEqual(old, d) {
			continue
		}
		muts = append(muts, Mutation[models.Device]{Type: Write, Key: d.UniqueID, Value: d})
	}
	for _, id := range slices.Sorted(maps.Keys(cur)) {
		if !keep[id] {
			muts = append(muts, Mutation[models.Device]{Type: Delete, Key: id})
		}
	}
	return muts
}
