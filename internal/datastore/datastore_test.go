package datastore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callhome/internal/models"
)

// =============================================================================
// Collection
// =============================================================================

type recorder[T any] struct {
	mu      sync.Mutex
	batches [][]Change[T]
}

func (r *recorder[T]) listen(changes []Change[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
}

func (r *recorder[T]) all() [][]Change[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Change[T](nil), r.batches...)
}

func TestCollection_PutDeliversBeforeAndAfter(t *testing.T) {
	c := NewCollection[string]()
	var rec recorder[string]
	reg := c.Subscribe(rec.listen)
	defer reg.Close()

	c.Put("a", "1")
	c.Put("a", "2")
	c.Delete("a")
	c.Delete("a") // no-op, nothing delivered

	b := rec.all()
	require.Len(t, b, 3)

	assert.Equal(t, Write, b[0][0].Type)
	assert.Nil(t, b[0][0].Before)
	assert.Equal(t, "1", *b[0][0].After)

	assert.Equal(t, "1", *b[1][0].Before)
	assert.Equal(t, "2", *b[1][0].After)

	assert.Equal(t, Delete, b[2][0].Type)
	assert.Equal(t, "2", *b[2][0].Before)
	assert.Nil(t, b[2][0].After)
}

func TestCollection_SubscribeReplaysCurrentContent(t *testing.T) {
	c := NewCollection[int]()
	c.Put("b", 2)
	c.Put("a", 1)

	var rec recorder[int]
	c.Subscribe(rec.listen)

	b := rec.all()
	require.Len(t, b, 1)
	require.Len(t, b[0], 2)
	assert.Equal(t, "a", b[0][0].Key)
	assert.Equal(t, "b", b[0][1].Key)
}

func TestCollection_ApplyIsOneBatch(t *testing.T) {
	c := NewCollection[int]()
	var rec recorder[int]
	c.Subscribe(rec.listen)

	c.Apply([]Mutation[int]{
		{Type: Write, Key: "x", Value: 1},
		{Type: Write, Key: "y", Value: 2},
		{Type: Delete, Key: "missing"},
	})

	b := rec.all()
	require.Len(t, b, 1)
	assert.Len(t, b[0], 2)
	assert.Equal(t, []string{"x", "y"}, c.Keys())
}

func TestCollection_CloseStopsDelivery(t *testing.T) {
	c := NewCollection[int]()
	var rec recorder[int]
	reg := c.Subscribe(rec.listen)
	reg.Close()
	reg.Close()

	c.Put("x", 1)
	assert.Empty(t, rec.all())
}

func TestCollection_Update(t *testing.T) {
	c := NewCollection[int]()
	var rec recorder[int]
	c.Subscribe(rec.listen)

	inc := func(cur int, ok bool) (int, bool) { return cur + 1, true }
	skip := func(cur int, ok bool) (int, bool) { return cur, false }

	assert.True(t, c.Update("n", inc))
	assert.True(t, c.Update("n", inc))
	assert.False(t, c.Update("n", skip))

	v, _ := c.Get("n")
	assert.Equal(t, 2, v)
	assert.Len(t, rec.all(), 2)
}

func TestCollection_ConcurrentWritesDeliveredInOrder(t *testing.T) {
	c := NewCollection[int]()

	var mu sync.Mutex
	last := -1
	ordered := true
	c.Subscribe(func(changes []Change[int]) {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range changes {
			if ch.Before != nil && *ch.Before != last {
				ordered = false
			}
			last = *ch.After
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put("k", i)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ordered, "each change's Before must equal the previous change's After")
}

func TestSingle(t *testing.T) {
	s := NewSingle[models.GlobalPolicy]()
	_, ok := s.Get()
	assert.False(t, ok)

	var rec recorder[models.GlobalPolicy]
	s.Subscribe(rec.listen)

	s.Set(models.GlobalPolicy{AcceptAllSSHKeys: true})
	s.Clear()

	b := rec.all()
	require.Len(t, b, 2)
	assert.True(t, b[0][0].After.AcceptAllSSHKeys)
	assert.Equal(t, Delete, b[1][0].Type)
}

// =============================================================================
// File source
// =============================================================================

const devicesYAML = `
global:
  accept-all-ssh-keys: false
  mount-point-naming-strategy: IP_ONLY
  credentials:
    username: admin
    passwords: [admin, secret]
devices:
  - unique-id: dev-ssh
    ssh-client-params:
      host-key: "ssh-rsa AAAA"
      credentials:
        username: root
        passwords: [root]
  - unique-id: dev-tls
    tls-client-params:
      key-id: controller-key
      certificate-id: dev-tls-cert
  - unique-id: dev-legacy
    ssh-host-key: "ssh-rsa BBBB"
`

func TestParseFile(t *testing.T) {
	global, devices, err := ParseFile([]byte(devicesYAML))
	require.NoError(t, err)

	require.NotNil(t, global)
	assert.Equal(t, models.IPOnly, global.NamingStrategy)
	assert.Equal(t, []string{"admin", "secret"}, global.Credentials.Passwords)

	require.Len(t, devices, 3)
	ssh, ok := devices[0].SSH()
	require.True(t, ok)
	assert.Equal(t, "root", ssh.Credentials.Username)

	tls, ok := devices[1].TLS()
	require.True(t, ok)
	assert.Equal(t, "dev-tls-cert", tls.CertificateID)

	legacy, ok := devices[2].SSH()
	require.True(t, ok)
	assert.Equal(t, "ssh-rsa BBBB", legacy.HostKey)
}

func TestParseFile_Errors(t *testing.T) {
	cases := map[string]string{
		"invalid yaml":    "devices: [",
		"missing id":      "devices:\n  - ssh-host-key: x\n",
		"duplicate id":    "devices:\n  - unique-id: a\n  - unique-id: a\n",
		"both transports": "devices:\n  - unique-id: a\n    ssh-client-params: {host-key: x}\n    tls-client-params: {key-id: k}\n",
		"bad naming":      "global:\n  mount-point-naming-strategy: HOSTNAME\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseFile([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFileSource_LoadReconciles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(devicesYAML), 0o644))

	store := NewStore()
	src := NewFileSource(path, store, zerolog.Nop())
	require.NoError(t, src.Load())
	assert.Equal(t, []string{"dev-legacy", "dev-ssh", "dev-tls"}, store.Devices.Keys())

	var rec recorder[models.Device]
	store.Devices.Subscribe(rec.listen)
	initial := len(rec.all())

	// Reloading identical content produces no changes.
	require.NoError(t, src.Load())
	assert.Len(t, rec.all(), initial)

	// Drop one device, modify another.
	next := `
devices:
  - unique-id: dev-tls
    tls-client-params:
      key-id: controller-key
      certificate-id: rotated
  - unique-id: dev-legacy
    ssh-host-key: "ssh-rsa BBBB"
`
	require.NoError(t, os.WriteFile(path, []byte(next), 0o644))
	require.NoError(t, src.Load())

	b := rec.all()
	require.Len(t, b, initial+1)
	last := b[len(b)-1]
	require.Len(t, last, 2)
	assert.Equal(t, Write, last[0].Type)
	assert.Equal(t, "dev-tls", last[0].Key)
	assert.Equal(t, Delete, last[1].Type)
	assert.Equal(t, "dev-ssh", last[1].Key)

	_, ok := store.Global.Get()
	assert.False(t, ok, "global section removed from file")
}

func TestFileSource_MissingFileIsEmpty(t *testing.T) {
	store := NewStore()
	src := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), store, zerolog.Nop())
	require.NoError(t, src.Load())
	assert.Empty(t, store.Devices.Keys())
}

func TestFileSource_RunPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices: []\n"), 0o644))

	store := NewStore()
	src := NewFileSource(path, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("devices:\n  - unique-id: late\n    ssh-host-key: x\n"), 0o644)
		_, ok := store.Devices.Get("late")
		return ok
	}, 5*time.Second, 300*time.Millisecond)
}
