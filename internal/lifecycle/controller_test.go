package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/origin"
)

var testRegions = Regions{
	Temp:     "flutter-temp-cache",
	Content:  "flutter-app-cache",
	Manifest: "flutter-app-manifest",
}

type fakeOrigin struct {
	mu       sync.Mutex
	bodies   map[string]string
	failures map[string]error
	calls    map[string]int
	reloads  map[string]bool
	gate     chan struct{}
}

func newFakeOrigin(bodies map[string]string) *fakeOrigin {
	return &fakeOrigin{
		bodies:   bodies,
		failures: map[string]error{},
		calls:    map[string]int{},
		reloads:  map[string]bool{},
	}
}

func (f *fakeOrigin) FetchResource(ctx context.Context, key string, reload bool) (*origin.Resource, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	f.reloads[key] = reload
	if err, ok := f.failures[key]; ok {
		return nil, err
	}
	body, ok := f.bodies[key]
	if !ok {
		return nil, &origin.StatusError{Key: key, Status: http.StatusNotFound}
	}
	return &origin.Resource{
		Key:    key,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (f *fakeOrigin) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// failingStore 对指定区域的写入返回错误。
type failingStore struct {
	cache.Store
	failRegion string
}

func (s *failingStore) Put(ctx context.Context, locator cache.Locator, body io.Reader, opts cache.PutOptions) (*cache.Entry, error) {
	if locator.Region == s.failRegion {
		return nil, errors.New("disk full")
	}
	return s.Store.Put(ctx, locator, body, opts)
}

// claimFailingStore 拒绝写入 active 状态的生命周期记录，其它写入正常。
type claimFailingStore struct {
	cache.Store
}

func (s *claimFailingStore) Put(ctx context.Context, locator cache.Locator, body io.Reader, opts cache.PutOptions) (*cache.Entry, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if locator.Region == recordRegion && bytes.Contains(data, []byte(`"state":"active"`)) {
		return nil, errors.New("record write failed")
	}
	return s.Store.Put(ctx, locator, bytes.NewReader(data), opts)
}

func mustManifest(t *testing.T, resources map[string]string, core ...string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(resources, core)
	require.NoError(t, err)
	return m
}

func newStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func newController(t *testing.T, store cache.Store, m *manifest.Manifest, fetcher Fetcher, auto bool) *Controller {
	t.Helper()
	ctrl, err := New(Options{
		Scope:        "audiobook",
		Manifest:     m,
		Store:        store,
		Origin:       fetcher,
		Regions:      testRegions,
		AutoActivate: auto,
	})
	require.NoError(t, err)
	return ctrl
}

func regionKeys(t *testing.T, store cache.Store, region string) []string {
	t.Helper()
	keys, err := store.Keys(context.Background(), region)
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

func readBody(t *testing.T, store cache.Store, region, key string) string {
	t.Helper()
	result, err := store.Get(context.Background(), cache.Locator{Region: region, Key: key})
	require.NoError(t, err)
	defer result.Reader.Close()
	data, err := io.ReadAll(result.Reader)
	require.NoError(t, err)
	return string(data)
}

func putEntry(t *testing.T, store cache.Store, region, key, body, fingerprint string) {
	t.Helper()
	_, err := store.Put(context.Background(), cache.Locator{Region: region, Key: key}, bytes.NewReader([]byte(body)), cache.PutOptions{Fingerprint: fingerprint})
	require.NoError(t, err)
}

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		to    State
		ok    bool
	}{
		{StateUninstalled, EventInstall, StateInstalling, true},
		{StateInstalling, EventInstalled, StateWaiting, true},
		{StateInstalling, EventInstallFailed, StateUninstalled, true},
		{StateWaiting, EventActivate, StateActivating, true},
		{StateActivating, EventActivated, StateActive, true},
		{StateActivating, EventActivateFailed, StateUninstalled, true},
		{StateActive, EventActivate, StateActivating, true},
		{StateUninstalled, EventActivate, StateUninstalled, false},
		{StateWaiting, EventInstalled, StateWaiting, false},
		{StateActive, EventInstall, StateActive, false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.event)
		if tc.ok {
			require.NoError(t, err, "%s on %s", tc.event, tc.from)
		} else {
			require.ErrorIs(t, err, ErrIllegalTransition)
		}
		assert.Equal(t, tc.to, got)
	}
}

func TestStartInstallsAndActivatesFirstVersion(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"/": "r1", "index.html": "i1", "main.dart.js": "m1", "icon.png": "p1"}, "/", "index.html", "main.dart.js")
	fetcher := newFakeOrigin(map[string]string{"/": "shell", "index.html": "shell", "main.dart.js": "main-v1", "icon.png": "png"})
	ctrl := newController(t, store, m, fetcher, false)

	require.NoError(t, ctrl.Start(context.Background()))

	assert.True(t, ctrl.Active())
	assert.Equal(t, []string{"/", "index.html", "main.dart.js"}, regionKeys(t, store, testRegions.Content))
	assert.Empty(t, regionKeys(t, store, testRegions.Temp))
	assert.Equal(t, []string{snapshotKey}, regionKeys(t, store, testRegions.Manifest))
	assert.True(t, fetcher.reloads["main.dart.js"], "core fetches must bypass caches")
	assert.Zero(t, fetcher.callCount("icon.png"))

	rec, err := ctrl.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, m.Version(), rec.ActiveVersion)
	assert.NotEmpty(t, rec.InstallID)
}

func TestActivationIsIdempotent(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1", "main.dart.js": "m1"}, "index.html")
	ctrl := newController(t, store, m, newFakeOrigin(map[string]string{"index.html": "shell", "main.dart.js": "main"}), true)
	require.NoError(t, ctrl.Start(context.Background()))
	putEntry(t, store, testRegions.Content, "main.dart.js", "main", "m1")

	before := regionKeys(t, store, testRegions.Content)
	require.NoError(t, ctrl.Activate(context.Background()))

	assert.Equal(t, before, regionKeys(t, store, testRegions.Content))
	assert.Equal(t, "shell", readBody(t, store, testRegions.Content, "index.html"))
	assert.Equal(t, "main", readBody(t, store, testRegions.Content, "main.dart.js"))
	assert.True(t, ctrl.Active())
}

func TestActivationEvictsChangedFingerprint(t *testing.T) {
	store := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1", "main.dart.js": "F1"}, "index.html", "main.dart.js")
	require.NoError(t, newController(t, store, v1, newFakeOrigin(map[string]string{"index.html": "shell", "main.dart.js": "old"}), true).Start(context.Background()))
	require.Equal(t, "old", readBody(t, store, testRegions.Content, "main.dart.js"))

	v2 := mustManifest(t, map[string]string{"index.html": "i1", "main.dart.js": "F2"}, "index.html", "main.dart.js")
	require.NoError(t, newController(t, store, v2, newFakeOrigin(map[string]string{"index.html": "shell", "main.dart.js": "new"}), true).Start(context.Background()))

	assert.Equal(t, "new", readBody(t, store, testRegions.Content, "main.dart.js"))
}

func TestActivationPrunesRemovedAndKeepsUnchanged(t *testing.T) {
	store := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1", "q.js": "q1", "r.js": "r1", "s.js": "s1"}, "index.html")
	ctrl := newController(t, store, v1, newFakeOrigin(map[string]string{"index.html": "shell", "q.js": "q", "r.js": "r", "s.js": "s"}), true)
	require.NoError(t, ctrl.Start(context.Background()))
	_, err := ctrl.DownloadOffline(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"index.html", "q.js", "r.js", "s.js"}, regionKeys(t, store, testRegions.Content))

	v2 := mustManifest(t, map[string]string{"index.html": "i1", "r.js": "r1", "s.js": "s2"}, "index.html")
	next := newFakeOrigin(map[string]string{"index.html": "shell"})
	require.NoError(t, newController(t, store, v2, next, true).Start(context.Background()))

	assert.Equal(t, []string{"index.html", "r.js"}, regionKeys(t, store, testRegions.Content))
	assert.Equal(t, "r", readBody(t, store, testRegions.Content, "r.js"))
	assert.Zero(t, next.callCount("r.js"))
}

func TestFirstInstallPerformsHardReset(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1", "main.dart.js": "m1"}, "index.html")
	// 与新清单指纹一致，但没有快照，依然不可信。
	putEntry(t, store, testRegions.Content, "main.dart.js", "leftover", "m1")
	putEntry(t, store, testRegions.Content, "unrelated.js", "junk", "")

	require.NoError(t, newController(t, store, m, newFakeOrigin(map[string]string{"index.html": "shell"}), true).Start(context.Background()))

	assert.Equal(t, []string{"index.html"}, regionKeys(t, store, testRegions.Content))
}

func TestCorruptSnapshotFallsBackToHardReset(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1", "main.dart.js": "m1"}, "index.html")
	putEntry(t, store, testRegions.Content, "main.dart.js", "leftover", "m1")
	putEntry(t, store, testRegions.Manifest, snapshotKey, "{not json", "")

	ctrl := newController(t, store, m, newFakeOrigin(map[string]string{"index.html": "shell"}), true)
	require.NoError(t, ctrl.Start(context.Background()))

	assert.Equal(t, []string{"index.html"}, regionKeys(t, store, testRegions.Content))
	previous, err := readSnapshot(context.Background(), store, testRegions.Manifest)
	require.NoError(t, err)
	assert.Equal(t, m.Version(), previous.Version())
}

func TestInstallFailureCommitsNothing(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1", "main.dart.js": "m1"}, "index.html", "main.dart.js")
	fetcher := newFakeOrigin(map[string]string{"index.html": "shell"})
	fetcher.failures["main.dart.js"] = origin.ErrNetwork
	ctrl := newController(t, store, m, fetcher, true)

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindInstallFetch, KindOf(err))
	assert.ErrorIs(t, err, origin.ErrNetwork)

	assert.Empty(t, regionKeys(t, store, testRegions.Temp))
	assert.Empty(t, regionKeys(t, store, testRegions.Content))
	assert.Empty(t, regionKeys(t, store, testRegions.Manifest))
	rec, err := ctrl.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, rec.State)
	assert.Contains(t, rec.LastError, "main.dart.js")
	assert.False(t, ctrl.Active())
}

func TestActivationFailureTearsDownAllRegions(t *testing.T) {
	base := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	require.NoError(t, newController(t, base, v1, newFakeOrigin(map[string]string{"index.html": "v1"}), true).Start(context.Background()))

	broken := &failingStore{Store: base, failRegion: testRegions.Content}
	v2 := mustManifest(t, map[string]string{"index.html": "i2"}, "index.html")
	ctrl := newController(t, broken, v2, newFakeOrigin(map[string]string{"index.html": "v2"}), true)

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	var failure *Error
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, KindActivation, failure.Kind)

	assert.Empty(t, regionKeys(t, base, testRegions.Content))
	assert.Empty(t, regionKeys(t, base, testRegions.Temp))
	assert.Empty(t, regionKeys(t, base, testRegions.Manifest))
	rec, err := ctrl.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, rec.State)
	assert.Empty(t, rec.ActiveVersion)
	assert.Contains(t, rec.LastError, string(KindActivation))
}

func TestActivationClaimFailureTearsDown(t *testing.T) {
	base := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	ctrl := newController(t, &claimFailingStore{Store: base}, m, newFakeOrigin(map[string]string{"index.html": "shell"}), true)

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindActivation, KindOf(err))
	assert.False(t, ctrl.Active())

	assert.Empty(t, regionKeys(t, base, testRegions.Content))
	assert.Empty(t, regionKeys(t, base, testRegions.Temp))
	assert.Empty(t, regionKeys(t, base, testRegions.Manifest))
	rec, err := ctrl.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, rec.State)
}

func TestActivationWithUnreadableRecordTearsDown(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	ctrl := newController(t, store, m, newFakeOrigin(map[string]string{"index.html": "shell"}), true)
	putEntry(t, store, testRegions.Content, "index.html", "stale", "i0")
	putEntry(t, store, recordRegion, recordKey, "{not json", "")

	err := ctrl.Activate(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindActivation, KindOf(err))
	assert.Empty(t, regionKeys(t, store, testRegions.Content))

	// 清理时写回的记录可以正常读取，下次 Start 能从头安装。
	rec, err := ctrl.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, rec.State)
	require.NoError(t, ctrl.Start(context.Background()))
	assert.True(t, ctrl.Active())
}

func TestStartResumesInterruptedActivation(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	fetcher := newFakeOrigin(map[string]string{"index.html": "shell"})
	first := newController(t, store, m, fetcher, false)
	require.NoError(t, first.Install(context.Background()))
	require.Equal(t, StateWaiting, first.State())

	// 模拟激活途中进程退出。
	rec, err := first.Record(context.Background())
	require.NoError(t, err)
	rec.State = StateActivating
	require.NoError(t, saveRecord(context.Background(), store, rec))

	restarted := newController(t, store, m, fetcher, false)
	require.NoError(t, restarted.Start(context.Background()))

	assert.True(t, restarted.Active())
	assert.Equal(t, []string{"index.html"}, regionKeys(t, store, testRegions.Content))
	assert.Equal(t, 1, fetcher.callCount("index.html"), "resume must not reinstall")
}

func TestWaitingVersionActivatesOnSkipWaiting(t *testing.T) {
	store := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	require.NoError(t, newController(t, store, v1, newFakeOrigin(map[string]string{"index.html": "v1"}), true).Start(context.Background()))

	v2 := mustManifest(t, map[string]string{"index.html": "i2"}, "index.html")
	ctrl := newController(t, store, v2, newFakeOrigin(map[string]string{"index.html": "v2"}), false)
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, StateWaiting, ctrl.State())
	assert.Equal(t, "v1", readBody(t, store, testRegions.Content, "index.html"))

	require.NoError(t, ctrl.HandleMessage(context.Background(), "skip-waiting"))
	assert.True(t, ctrl.Active())
	assert.Equal(t, "v2", readBody(t, store, testRegions.Content, "index.html"))

	// active 状态下再次 skip-waiting 为空操作。
	require.NoError(t, ctrl.HandleMessage(context.Background(), "skipWaiting"))
	assert.True(t, ctrl.Active())
}

func TestSkipWaitingDuringInstallIsRemembered(t *testing.T) {
	store := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	require.NoError(t, newController(t, store, v1, newFakeOrigin(map[string]string{"index.html": "v1"}), true).Start(context.Background()))

	v2 := mustManifest(t, map[string]string{"index.html": "i2"}, "index.html")
	fetcher := newFakeOrigin(map[string]string{"index.html": "v2"})
	fetcher.gate = make(chan struct{})
	ctrl := newController(t, store, v2, fetcher, false)

	done := make(chan error, 1)
	go func() { done <- ctrl.Start(context.Background()) }()

	require.Eventually(t, func() bool { return ctrl.State() == StateInstalling }, time.Second, 5*time.Millisecond)
	require.NoError(t, ctrl.SkipWaiting(context.Background()))
	close(fetcher.gate)

	require.NoError(t, <-done)
	assert.True(t, ctrl.Active())
}

func TestDownloadOfflineFetchesOnlyTheDifference(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"/": "r", "index.html": "i1", "a.js": "a1", "b.js": "b1"}, "/", "index.html")
	fetcher := newFakeOrigin(map[string]string{"/": "shell", "index.html": "shell", "a.js": "a", "b.js": "b"})
	ctrl := newController(t, store, m, fetcher, true)
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.HandleMessage(context.Background(), "download-offline"))

	assert.Equal(t, []string{"/", "a.js", "b.js", "index.html"}, regionKeys(t, store, testRegions.Content))
	assert.Equal(t, 1, fetcher.callCount("index.html"))
	assert.Equal(t, 1, fetcher.callCount("a.js"))

	count, err := ctrl.DownloadOffline(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDownloadOfflineIsAllOrNothing(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1", "a.js": "a1", "b.js": "b1"}, "index.html")
	fetcher := newFakeOrigin(map[string]string{"index.html": "shell", "a.js": "a"})
	ctrl := newController(t, store, m, fetcher, true)
	require.NoError(t, ctrl.Start(context.Background()))

	_, err := ctrl.DownloadOffline(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnexpectedResponse, KindOf(err))
	assert.Equal(t, []string{"index.html"}, regionKeys(t, store, testRegions.Content))
}

func TestDownloadOfflineRequiresActiveWorker(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	ctrl := newController(t, store, m, newFakeOrigin(nil), true)

	_, err := ctrl.DownloadOffline(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestHandleMessageRejectsUnknownCommand(t *testing.T) {
	store := newStore(t)
	m := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	ctrl := newController(t, store, m, newFakeOrigin(nil), true)

	err := ctrl.HandleMessage(context.Background(), "clear-everything")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestNewVersionSeesUninstalledRecord(t *testing.T) {
	store := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1"}, "index.html")
	require.NoError(t, newController(t, store, v1, newFakeOrigin(map[string]string{"index.html": "v1"}), true).Start(context.Background()))

	v2 := mustManifest(t, map[string]string{"index.html": "i2"}, "index.html")
	rec, err := newController(t, store, v2, newFakeOrigin(nil), true).Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, rec.State)
	assert.Equal(t, v1.Version(), rec.ActiveVersion)
}

func TestParseCommandAcceptsBothSpellings(t *testing.T) {
	for raw, want := range map[string]Command{
		"skip-waiting":     CommandSkipWaiting,
		" skipWaiting ":    CommandSkipWaiting,
		"download-offline": CommandDownloadOffline,
		"downloadOffline":  CommandDownloadOffline,
	} {
		got, err := ParseCommand(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := ParseCommand("")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestLateWriteFromOldVersionConverges(t *testing.T) {
	store := newStore(t)
	v1 := mustManifest(t, map[string]string{"index.html": "i1", "a.js": "a1"}, "index.html")
	require.NoError(t, newController(t, store, v1, newFakeOrigin(map[string]string{"index.html": "shell", "a.js": "old"}), true).Start(context.Background()))

	v2 := mustManifest(t, map[string]string{"index.html": "i1", "a.js": "a2"}, "index.html")
	fetcher := newFakeOrigin(map[string]string{"index.html": "shell", "a.js": "new"})
	ctrl := newController(t, store, v2, fetcher, true)
	require.NoError(t, ctrl.Start(context.Background()))

	// 旧版本的后台写入在新版本激活之后才落盘。
	putEntry(t, store, testRegions.Content, "a.js", "old", "a1")

	count, err := ctrl.DownloadOffline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, fetcher.callCount("a.js"))
	assert.Equal(t, "new", readBody(t, store, testRegions.Content, "a.js"))

	// 再次激活同样会淘汰指纹不符的条目。
	putEntry(t, store, testRegions.Content, "a.js", "old", "a1")
	require.NoError(t, ctrl.Activate(context.Background()))
	assert.Equal(t, []string{"index.html"}, regionKeys(t, store, testRegions.Content))
}
