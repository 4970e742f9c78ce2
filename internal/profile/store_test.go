package profile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surf-session-core/internal/types"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeSource struct {
	state    string
	viewport *types.Viewport
	err      error
}

func (f fakeSource) SnapshotState(ctx context.Context) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.state), nil
}

func (f fakeSource) ViewportSize() *types.Viewport { return f.viewport }

func newTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := newFakeClock()
	s, err := NewStore(dir, WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock, dir
}

func TestStore_CreateThenUpdate(t *testing.T) {
	s, clock, dir := newTestStore(t)
	ctx := context.Background()

	ctxA := fakeSource{state: `{"cookies": [{"name": "a"}]}`, viewport: &types.Viewport{Width: 800, Height: 600}}
	ctxB := fakeSource{state: `{"cookies":[{"name":"b"}]}`}

	p, err := s.Create(ctx, "work", ctxA, map[string]any{"team": "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "work", p.Name)
	assert.Equal(t, clock.Now(), p.Created)
	assert.Equal(t, clock.Now(), p.LastUsed)
	assert.JSONEq(t, `{"cookies":[{"name":"a"}]}`, string(p.StorageState))
	assert.Equal(t, &types.Viewport{Width: 800, Height: 600}, p.Viewport)

	_, err = os.Stat(filepath.Join(dir, p.ID+".json"))
	require.NoError(t, err, "profile persisted on create")

	clock.Advance(time.Minute)
	updated, err := s.Update(ctx, p.ID, ctxB, map[string]any{"owner": "y"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"team": "x", "owner": "y"}, updated.Metadata)
	assert.Equal(t, `{"cookies":[{"name":"b"}]}`, string(updated.StorageState))
	assert.Equal(t, p.Created, updated.Created)
	assert.Equal(t, clock.Now(), updated.LastUsed)
	assert.Equal(t, &types.Viewport{Width: 800, Height: 600}, updated.Viewport, "viewport kept when source reports none")
}

func TestStore_UpdatePatchWins(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "work", nil, map[string]any{"team": "x", "tier": "free"})
	require.NoError(t, err)
	assert.Nil(t, p.StorageState)

	updated, err := s.Update(ctx, p.ID, nil, map[string]any{"tier": "paid"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"team": "x", "tier": "paid"}, updated.Metadata)
}

func TestStore_UpdateMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Update(context.Background(), "profile_missing", fakeSource{state: `{}`}, nil)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStore_CaptureFailure(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Create(context.Background(), "broken", fakeSource{err: errors.New("context closed")}, nil)
	require.Error(t, err)
	assert.Empty(t, s.List(), "nothing stored when the snapshot fails")
}

func TestStore_LoadTouchesGetDoesNot(t *testing.T) {
	s, clock, _ := newTestStore(t)

	p, err := s.Create(context.Background(), "work", nil, nil)
	require.NoError(t, err)
	created := clock.Now()

	clock.Advance(time.Hour)
	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got.LastUsed)

	loaded, err := s.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), loaded.LastUsed)

	got, err = s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.LastUsed, "touch is persisted")

	_, err = s.Load("profile_missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStore_ListMostRecentFirst(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "a", nil, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := s.Create(ctx, "b", nil, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	c, err := s.Create(ctx, "c", nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.Load(a.ID)
	require.NoError(t, err)

	var ids []string
	for _, p := range s.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{a.ID, c.ID, b.ID}, ids)

	found, ok := s.FindByName("c")
	require.True(t, ok)
	assert.Equal(t, c.ID, found.ID)
	_, ok = s.FindByName("nope")
	assert.False(t, ok)
}

func TestStore_DeleteTwice(t *testing.T) {
	s, _, dir := newTestStore(t)

	p, err := s.Create(context.Background(), "work", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(p.ID), "missing sidecar is not an error")
	_, err = os.Stat(filepath.Join(dir, p.ID+".json"))
	assert.True(t, os.IsNotExist(err))

	err = s.Delete(p.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStore_DeleteRemovesSidecar(t *testing.T) {
	s, _, _ := newTestStore(t)

	p, err := s.Create(context.Background(), "work", nil, nil)
	require.NoError(t, err)

	sidecar := s.SidecarDir(p.ID)
	require.NoError(t, os.MkdirAll(filepath.Join(sidecar, "Default"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sidecar, "Default", "Cookies"), []byte("x"), 0644))

	require.NoError(t, s.Delete(p.ID))
	_, err = os.Stat(sidecar)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Clone(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	src, err := s.Create(ctx, "work", fakeSource{state: `{"origins":[]}`}, map[string]any{"team": "x"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	cloned, err := s.Clone(src.ID, "work copy")
	require.NoError(t, err)

	assert.NotEqual(t, src.ID, cloned.ID)
	assert.Equal(t, "work copy", cloned.Name)
	assert.Equal(t, clock.Now(), cloned.Created)
	assert.Equal(t, clock.Now(), cloned.LastUsed)
	assert.Equal(t, map[string]any{"team": "x", "clonedFrom": src.ID}, cloned.Metadata)
	assert.Equal(t, src.StorageState, cloned.StorageState)

	original, err := s.Get(src.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"team": "x"}, original.Metadata, "source metadata untouched")

	_, err = s.Clone("profile_missing", "x")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	s, clock, _ := newTestStore(t)

	accuracy := 25.0
	payload := `{
  "name": "research",
  "created": "2026-02-01T08:30:00.000Z",
  "metadata": {"team": "x", "tags": ["a", "b"]},
  "storage_state": {"cookies": [{"name": "sid", "value": "1"}], "origins": []},
  "user_agent": "Mozilla/5.0 Test",
  "viewport": {"width": 1440, "height": 900},
  "locale": "de-DE",
  "timezone": "Europe/Berlin",
  "geolocation": {"latitude": 52.52, "longitude": 13.405, "accuracy": 25},
  "permissions": ["geolocation"],
  "extra_http_headers": {"X-Team": "x"},
  "proxy": {"server": "http://a.com:8080", "username": "u", "password": "p"}
}`
	p, err := s.Import(payload, "")
	require.NoError(t, err)
	assert.Equal(t, "research", p.Name)
	assert.Equal(t, time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC), p.Created.UTC())
	assert.Equal(t, clock.Now(), p.LastUsed)
	assert.Equal(t, &accuracy, p.Geolocation.Accuracy)

	exported, err := s.Export(p.ID)
	require.NoError(t, err)
	assert.NotContains(t, exported, p.ID)
	assert.Contains(t, exported, `"created": "2026-02-01T08:30:00.000Z"`)

	clock.Advance(time.Minute)
	again, err := s.Import(exported, "")
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, again.ID)

	diff := cmp.Diff(p, again, cmpopts.IgnoreFields(types.Profile{}, "ID", "Created", "LastUsed"))
	assert.Empty(t, diff)
}

func TestStore_ImportNames(t *testing.T) {
	s, _, _ := newTestStore(t)

	p, err := s.Import(`{"name":"embedded"}`, "override")
	require.NoError(t, err)
	assert.Equal(t, "override", p.Name)

	p, err = s.Import(`{"metadata":{"a":"b"}}`, "")
	require.NoError(t, err)
	assert.Equal(t, "Imported Profile", p.Name)
}

func TestStore_ImportParseError(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Import("{not json", "")
	assert.True(t, errors.Is(err, types.ErrParse))

	_, err = s.Import(`{"name":"x","created":"yesterday"}`, "")
	assert.True(t, errors.Is(err, types.ErrParse))

	for _, payload := range []string{"null", "{}", `{"bogus":1}`} {
		_, err = s.Import(payload, "")
		assert.True(t, errors.Is(err, types.ErrParse), payload)
	}

	assert.Empty(t, s.List())
}

func TestStore_ExportMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Export("profile_missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestStore_ReloadFromDisk(t *testing.T) {
	s, clock, dir := newTestStore(t)

	p, err := s.Create(context.Background(), "work", fakeSource{state: `{"cookies": []}`}, map[string]any{"team": "x"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("nope"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	reopened, err := NewStore(dir, WithClock(clock.Now))
	require.NoError(t, err)

	got, err := reopened.Get(p.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(p, got))
	assert.Len(t, reopened.List(), 1, "malformed files are skipped")
}

func TestStore_MetadataMatchesDisk(t *testing.T) {
	s, clock, dir := newTestStore(t)

	p, err := s.Create(context.Background(), "typed", nil, map[string]any{
		"count":  3,
		"tags":   []string{"a", "b"},
		"nested": map[string]any{"n": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), p.Metadata["count"])
	assert.Equal(t, []any{"a", "b"}, p.Metadata["tags"])

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(p, got))

	reopened, err := NewStore(dir, WithClock(clock.Now))
	require.NoError(t, err)
	fromDisk, err := reopened.Get(p.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(p, fromDisk))

	data, err := s.Export(p.ID)
	require.NoError(t, err)
	imported, err := s.Import(data, "")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(p, imported, cmpopts.IgnoreFields(types.Profile{}, "ID", "Created", "LastUsed")))

	updated, err := s.Update(context.Background(), p.ID, nil, map[string]any{"count": 4})
	require.NoError(t, err)
	assert.Equal(t, float64(4), updated.Metadata["count"])
}

func TestStore_DeleteKeepsRecordWhenSidecarFails(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	s, _, _ := newTestStore(t)

	p, err := s.Create(context.Background(), "locked", nil, nil)
	require.NoError(t, err)

	locked := filepath.Join(s.SidecarDir(p.ID), "locked")
	require.NoError(t, os.MkdirAll(locked, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "state"), []byte("x"), 0644))
	require.NoError(t, os.Chmod(locked, 0555))
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	assert.Error(t, s.Delete(p.ID))

	_, err = s.Get(p.ID)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.dir, p.ID+".json"))
	assert.NoError(t, err, "profile file is kept")
}

func TestStore_CleanupOlderThan(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	old, err := s.Create(ctx, "old", nil, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.SidecarDir(old.ID), 0755))

	clock.Advance(40 * 24 * time.Hour)
	fresh, err := s.Create(ctx, "fresh", nil, nil)
	require.NoError(t, err)

	deleted, err := s.CleanupOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Get(old.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = os.Stat(s.SidecarDir(old.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestContextOptions(t *testing.T) {
	p := types.Profile{
		StorageState: json.RawMessage(`{"cookies":[]}`),
		ContextPreferences: types.ContextPreferences{
			Locale:   "fr-FR",
			Viewport: &types.Viewport{Width: 1024, Height: 768},
		},
	}

	opts := ContextOptions(p)
	assert.Equal(t, "fr-FR", opts.Locale)
	assert.Equal(t, &types.Viewport{Width: 1024, Height: 768}, opts.Viewport)
	assert.Equal(t, `{"cookies":[]}`, string(opts.StorageState))

	opts.Viewport.Width = 1
	assert.Equal(t, 1024, p.Viewport.Width, "options do not alias the profile")
}
