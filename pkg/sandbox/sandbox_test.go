package sandbox

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

type fakePlugin struct {
	id          string
	activated   bool
	deactivated bool
	invocations []string
}

func (f *fakePlugin) Describe() plugin.Metadata {
	return plugin.Metadata{ID: f.id, Name: f.id}
}

func (f *fakePlugin) Activate(ctx context.Context, config map[string]any) error {
	f.activated = true
	return nil
}

func (f *fakePlugin) Deactivate(ctx context.Context) error {
	f.deactivated = true
	return nil
}

func (f *fakePlugin) Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error) {
	f.invocations = append(f.invocations, op)
	return map[string]any{"op": op}, nil
}

type fakeServices struct {
	reads      []string
	writes     []string
	spawns     []string
	notified   []string
	clipboard  string
	httpCalled bool
}

func (s *fakeServices) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.reads = append(s.reads, path)
	return []byte("data"), nil
}

func (s *fakeServices) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	s.writes = append(s.writes, path)
	return nil
}

func (s *fakeServices) HTTPDo(req *http.Request) (*http.Response, error) {
	s.httpCalled = true
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (s *fakeServices) Spawn(ctx context.Context, name string, args ...string) ([]byte, error) {
	s.spawns = append(s.spawns, name)
	return []byte("out"), nil
}

func (s *fakeServices) ReadClipboard(ctx context.Context) (string, error) {
	return s.clipboard, nil
}

func (s *fakeServices) WriteClipboard(ctx context.Context, text string) error {
	s.clipboard = text
	return nil
}

func (s *fakeServices) Notify(ctx context.Context, title, body string) error {
	s.notified = append(s.notified, title)
	return nil
}

func disabledLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func TestHandle_DeniesUngrantedCapabilities(t *testing.T) {
	ctx := context.Background()
	services := &fakeServices{}
	handle := Wrap(&fakePlugin{id: "untrusted"}, nil, services, disabledLogger())

	t.Run("every capability fails with the missing capability named", func(t *testing.T) {
		_, err := handle.ReadFile(ctx, "/etc/passwd")
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)
		assert.Contains(t, err.Error(), "filesystem")

		err = handle.WriteFile(ctx, "/tmp/x", nil, 0o644)
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)

		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		_, err = handle.HTTPDo(req)
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)
		assert.Contains(t, err.Error(), "network")

		_, err = handle.Spawn(ctx, "rm", "-rf", "/")
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)
		assert.Contains(t, err.Error(), "subprocess")

		_, err = handle.ReadClipboard(ctx)
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)

		err = handle.WriteClipboard(ctx, "x")
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)

		err = handle.Notify(ctx, "t", "b")
		require.ErrorIs(t, err, plugin.ErrPermissionDenied)
		assert.Contains(t, err.Error(), "notifications")
	})

	t.Run("backends were never touched", func(t *testing.T) {
		assert.Empty(t, services.reads)
		assert.Empty(t, services.writes)
		assert.Empty(t, services.spawns)
		assert.False(t, services.httpCalled)
	})
}

func TestHandle_GrantedCapabilitiesSucceed(t *testing.T) {
	ctx := context.Background()
	services := &fakeServices{}
	handle := Wrap(&fakePlugin{id: "trusted"},
		[]plugin.Permission{
			plugin.PermissionFilesystem,
			plugin.PermissionNetwork,
			plugin.PermissionSubprocess,
			plugin.PermissionClipboard,
			plugin.PermissionNotifications,
		}, services, disabledLogger())

	data, err := handle.ReadFile(ctx, "/var/lib/thing")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	require.NoError(t, handle.WriteFile(ctx, "/tmp/out", []byte("x"), 0o644))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	_, err = handle.HTTPDo(req)
	require.NoError(t, err)

	out, err := handle.Spawn(ctx, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), out)

	require.NoError(t, handle.WriteClipboard(ctx, "copied"))
	text, err := handle.ReadClipboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "copied", text)

	require.NoError(t, handle.Notify(ctx, "done", "all good"))
}

func TestHandle_GrantsAreIsolatedPerInstance(t *testing.T) {
	ctx := context.Background()
	services := &fakeServices{}

	privileged := Wrap(&fakePlugin{id: "priv"}, []plugin.Permission{plugin.PermissionFilesystem}, services, disabledLogger())
	restricted := Wrap(&fakePlugin{id: "restricted"}, nil, services, disabledLogger())

	_, err := privileged.ReadFile(ctx, "/a")
	require.NoError(t, err)

	// Wrapping a privileged plugin never leaks grants to another handle
	_, err = restricted.ReadFile(ctx, "/a")
	assert.ErrorIs(t, err, plugin.ErrPermissionDenied)

	assert.True(t, privileged.Granted(plugin.PermissionFilesystem))
	assert.False(t, restricted.Granted(plugin.PermissionFilesystem))
}

func TestHandle_Release(t *testing.T) {
	ctx := context.Background()
	impl := &fakePlugin{id: "short-lived"}
	handle := Wrap(impl, []plugin.Permission{plugin.PermissionFilesystem}, &fakeServices{}, disabledLogger())

	_, err := handle.Invoke(ctx, "op", nil)
	require.NoError(t, err)

	require.NoError(t, handle.Release())

	t.Run("all calls fail after release", func(t *testing.T) {
		_, err := handle.ReadFile(ctx, "/a")
		assert.ErrorIs(t, err, ErrHandleReleased)

		_, err = handle.Invoke(ctx, "op", nil)
		assert.ErrorIs(t, err, ErrHandleReleased)

		err = handle.Activate(ctx, nil)
		assert.ErrorIs(t, err, ErrHandleReleased)

		assert.False(t, handle.Granted(plugin.PermissionFilesystem))
	})

	t.Run("release is idempotent", func(t *testing.T) {
		assert.NoError(t, handle.Release())
	})
}

func TestHandle_LifecyclePassthrough(t *testing.T) {
	ctx := context.Background()
	impl := &fakePlugin{id: "lifecycle"}
	handle := Wrap(impl, nil, &fakeServices{}, disabledLogger())

	require.NoError(t, handle.Activate(ctx, map[string]any{"k": "v"}))
	assert.True(t, impl.activated)

	result, err := handle.Invoke(ctx, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, "status", result["op"])

	require.NoError(t, handle.Deactivate(ctx))
	assert.True(t, impl.deactivated)

	assert.Equal(t, "lifecycle", handle.PluginID())
}
