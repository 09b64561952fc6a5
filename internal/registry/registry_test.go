// ABOUTME: Tests for the device registry protocol
// ABOUTME: Simulates several devices sharing one container directory

package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dualstore/internal/cloud"
	"github.com/2389/dualstore/internal/events"
	"github.com/2389/dualstore/internal/settings"
)

type sharedContainer struct {
	dir       string
	tokenFile string
}

func newSharedContainer(t *testing.T) sharedContainer {
	t.Helper()
	root := t.TempDir()
	sc := sharedContainer{
		dir:       filepath.Join(root, "container"),
		tokenFile: filepath.Join(root, "identity"),
	}
	require.NoError(t, os.WriteFile(sc.tokenFile, []byte("acct-1"), 0600))
	return sc
}

func (sc sharedContainer) docPath() string { return filepath.Join(sc.dir, "KnownDevices.json") }

// device builds a registry as seen from one device: its own settings, the
// shared container.
func (sc sharedContainer) device(t *testing.T, emitter *events.Emitter) *Registry {
	t.Helper()
	r, err := New(Options{
		Container:    cloud.NewFS(sc.dir, sc.tokenFile),
		Settings:     settings.NewMemory(),
		Emitter:      emitter,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(r.Teardown)
	return r
}

func readDoc(t *testing.T, path string) Document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestNew_PersistsDeviceID(t *testing.T) {
	sc := newSharedContainer(t)
	store := settings.NewMemory()

	first, err := New(Options{Container: cloud.NewFS(sc.dir, sc.tokenFile), Settings: store})
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID())

	second, err := New(Options{Container: cloud.NewFS(sc.dir, sc.tokenFile), Settings: store})
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
}

func TestRefresh_WithoutRegistering(t *testing.T) {
	sc := newSharedContainer(t)
	r := sc.device(t, nil)

	res, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, r.Devices())

	_, err = os.Stat(sc.docPath())
	assert.True(t, os.IsNotExist(err), "refresh(false) must not write")
}

func TestRefresh_RegistersSelf(t *testing.T) {
	sc := newSharedContainer(t)
	r := sc.device(t, nil)
	ctx := context.Background()

	res, err := r.Refresh(ctx, true)
	require.NoError(t, err)
	assert.False(t, res.Existed)
	assert.False(t, res.SelfPresent)
	assert.Equal(t, []string{r.DeviceID()}, r.Devices())
	assert.False(t, r.SharedWithOthers())

	res, err = r.Refresh(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.True(t, res.SelfPresent)

	assert.Equal(t, []string{r.DeviceID()}, readDoc(t, sc.docPath()).DeviceUUIDs)
}

func TestRefresh_ConcurrentDevicesReconcile(t *testing.T) {
	sc := newSharedContainer(t)
	a := sc.device(t, nil)
	b := sc.device(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, r := range []*Registry{a, b} {
		wg.Add(1)
		go func(r *Registry) {
			defer wg.Done()
			_, err := r.Refresh(ctx, true)
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	// A lost update heals on the next registering refresh.
	for _, r := range []*Registry{a, b} {
		_, err := r.Refresh(ctx, true)
		require.NoError(t, err)
	}
	for _, r := range []*Registry{a, b} {
		_, err := r.Refresh(ctx, false)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.DeviceID(), b.DeviceID()}, r.Devices())
		assert.True(t, r.SharedWithOthers())
	}

	ids := readDoc(t, sc.docPath()).DeviceUUIDs
	assert.ElementsMatch(t, []string{a.DeviceID(), b.DeviceID()}, ids)
}

func TestRefresh_CollapsesDuplicates(t *testing.T) {
	sc := newSharedContainer(t)
	require.NoError(t, os.MkdirAll(sc.dir, 0755))
	require.NoError(t, os.WriteFile(sc.docPath(),
		[]byte(`{"DeviceUUIDs":["x","y","x",""]}`), 0644))

	r := sc.device(t, nil)
	res, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.Equal(t, []string{"x", "y"}, r.Devices())
}

func TestRefresh_WaitsForDownload(t *testing.T) {
	sc := newSharedContainer(t)
	require.NoError(t, os.MkdirAll(sc.dir, 0755))
	require.NoError(t, os.WriteFile(sc.docPath(), []byte(`{"DeviceUUIDs":["remote"]}`), 0644))
	fs := cloud.NewFS(sc.dir, sc.tokenFile)
	require.NoError(t, fs.Evict(sc.docPath()))

	r := sc.device(t, nil)
	res, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.Equal(t, []string{"remote"}, r.Devices())
}

func TestRefresh_CorruptDocument(t *testing.T) {
	sc := newSharedContainer(t)
	require.NoError(t, os.MkdirAll(sc.dir, 0755))
	require.NoError(t, os.WriteFile(sc.docPath(), []byte(`{not json`), 0644))

	r := sc.device(t, nil)
	_, err := r.Refresh(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryIO)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
}

func TestRefresh_ContainerUnavailable(t *testing.T) {
	sc := newSharedContainer(t)
	require.NoError(t, os.Remove(sc.tokenFile))

	r := sc.device(t, nil)
	_, err := r.Refresh(context.Background(), true)
	assert.ErrorIs(t, err, cloud.ErrUnavailable)
}

func TestSetup_ExternalChangeRefreshes(t *testing.T) {
	sc := newSharedContainer(t)
	emitter := events.NewEmitter(nil)
	defer emitter.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := sc.device(t, emitter)
	remote := sc.device(t, nil)

	_, err := local.Refresh(ctx, true)
	require.NoError(t, err)
	require.NoError(t, local.Setup(ctx))
	require.NoError(t, local.Setup(ctx), "second setup is a no-op")

	updates, _ := emitter.Subscribe(ctx, events.FilesUpdated)

	_, err = remote.Refresh(ctx, true)
	require.NoError(t, err)

	want := []string{local.DeviceID(), remote.DeviceID()}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-updates:
			if len(ev.Devices) == 2 {
				assert.ElementsMatch(t, want, ev.Devices)
				assert.ElementsMatch(t, want, local.Devices())
				assert.True(t, local.SharedWithOthers())
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for FilesUpdated")
		}
	}
}

func TestSetup_ChangeDuringRefreshIsDeferred(t *testing.T) {
	sc := newSharedContainer(t)
	emitter := events.NewEmitter(nil)
	defer emitter.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := sc.device(t, emitter)
	remote := sc.device(t, nil)

	_, err := local.Refresh(ctx, true)
	require.NoError(t, err)
	require.NoError(t, local.Setup(ctx))
	updates, _ := emitter.Subscribe(ctx, events.FilesUpdated)

	// The remote device registers while a local refresh is in flight.
	local.disableUpdates()
	_, err = remote.Refresh(ctx, true)
	require.NoError(t, err)
	local.handleExternalChange(ctx)

	select {
	case <-updates:
		t.Fatal("refreshed while updates were disabled")
	case <-time.After(50 * time.Millisecond):
	}

	local.enableUpdates()

	want := []string{local.DeviceID(), remote.DeviceID()}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-updates:
			if len(ev.Devices) == 2 {
				assert.ElementsMatch(t, want, ev.Devices)
				return
			}
		case <-deadline:
			t.Fatal("deferred change was never refreshed")
		}
	}
}

func TestTeardown_ClearsDevices(t *testing.T) {
	sc := newSharedContainer(t)
	r := sc.device(t, nil)
	ctx := context.Background()

	r.Teardown()

	_, err := r.Refresh(ctx, true)
	require.NoError(t, err)
	require.NoError(t, r.Setup(ctx))
	r.Teardown()
	assert.Empty(t, r.Devices())
	r.Teardown()
}
