package mixer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionSync(t *testing.T, categories []Category, rules []Rule) *sessionSync {
	t.Helper()

	logger, _ := newObservedLogger()
	store := newCategoryStore(logger)
	store.load(categories)

	s := newSessionSync(logger, store, newIdentityResolver(logger, newFakeInspector(), nil))
	s.setRules(rules, nil)
	t.Cleanup(s.stop)

	return s
}

// TestRestoreAll_ClassifiesSessions verifies matched sessions get their category volume and unmatched ones the default
func TestRestoreAll_ClassifiesSessions(t *testing.T) {
	s := newTestSessionSync(t,
		[]Category{{Name: "Music", Volume: 0.8}},
		[]Rule{{Type: NameIs, Match: "Spotify", Category: "Music"}})

	spotify := &fakeSession{id: "1", pid: 10, name: "Spotify", icon: "spotify.exe", volume: 1}
	chrome := &fakeSession{id: "2", pid: 11, name: "Chrome", icon: "chrome.exe", volume: 1}
	device := &fakeDevice{id: "speakers", name: "Speakers", sessions: []*fakeSession{spotify, chrome}}

	s.attach(device, false, "")
	require.NoError(t, s.restoreAll(false))

	assert.Equal(t, float32(0.8), spotify.GetVolume())
	assert.Equal(t, float32(0.5), chrome.GetVolume())
	assert.Equal(t, 1, device.refreshes)
	assert.Equal(t, 1, spotify.released, "enumerated sessions are released after use")
}

func TestRestoreAll_Idempotent(t *testing.T) {
	s := newTestSessionSync(t,
		[]Category{{Name: "Music", Volume: 0.8}},
		[]Rule{{Type: NameIs, Match: "Spotify", Category: "Music"}})

	spotify := &fakeSession{id: "1", pid: 10, name: "Spotify", icon: "spotify.exe", volume: 0.2}
	s.attach(&fakeDevice{id: "speakers", sessions: []*fakeSession{spotify}}, false, "")

	require.NoError(t, s.restoreAll(false))
	require.NoError(t, s.restoreAll(false))
	require.NoError(t, s.restoreAll(true))

	assert.Equal(t, 1, spotify.writeCount())
}

// TestRestoreAll_FastUpdateReusesIdentities verifies a fader-driven restore neither refreshes the
// session list nor touches the identity cache, yet still applies the new category volume
func TestRestoreAll_FastUpdateReusesIdentities(t *testing.T) {
	logger, _ := newObservedLogger()
	store := newCategoryStore(logger)
	store.load([]Category{{Name: "Music", Volume: 0.8}})

	clock := newFakeClock()
	inspector := newFakeInspector()
	inspector.modulePaths[10] = `C:\Apps\Spotify.exe`
	resolver := newIdentityResolver(logger, inspector, clock.Now)

	s := newSessionSync(logger, store, resolver)
	s.setRules([]Rule{{Type: NameIs, Match: "Spotify", Category: "Music"}}, nil)
	t.Cleanup(s.stop)

	spotify := &fakeSession{id: "1", pid: 10, name: "Spotify", volume: 1}
	chrome := &fakeSession{id: "2", pid: 11, name: "Chrome", volume: 1}
	device := &fakeDevice{id: "speakers", name: "Speakers", sessions: []*fakeSession{spotify, chrome}}
	s.attach(device, false, "")

	require.NoError(t, s.restoreAll(false))
	require.Equal(t, 1, device.refreshes)
	require.Equal(t, 2, resolver.cache.len())

	calls := inspector.callCount()
	require.NotZero(t, calls)

	// entries are now past the idle limit, only a full restore may evict them
	clock.advance(6 * time.Minute)
	store.set("Music", 0.3)

	require.NoError(t, s.restoreAll(true))

	assert.Equal(t, float32(0.3), spotify.GetVolume())
	assert.Equal(t, 1, device.refreshes, "fast updates do not refresh the session list")
	assert.Equal(t, calls, inspector.callCount(), "fast updates resolve from the cache")
	assert.Equal(t, 2, resolver.cache.len(), "fast updates do not prune the cache")
}

func TestRestoreAll_IgnoreCategoryNeverWritten(t *testing.T) {
	s := newTestSessionSync(t,
		[]Category{{Name: "System", Volume: 0.5}},
		[]Rule{
			{Type: NameContains, Match: "Zoom", Category: IgnoreCategory},
			{Type: Always, Category: "System"},
		})

	zoom := &fakeSession{id: "1", pid: 10, name: "Zoom Meeting", icon: "zoom.exe", volume: 0.9}
	s.attach(&fakeDevice{id: "speakers", sessions: []*fakeSession{zoom}}, false, "")

	require.NoError(t, s.restoreAll(false))

	assert.Zero(t, zoom.writeCount())
	assert.Equal(t, float32(0.9), zoom.GetVolume())
}

func TestRestoreAll_UndefinedCategoryUntouched(t *testing.T) {
	s := newTestSessionSync(t, nil, []Rule{{Type: Always, Category: "Game"}})

	game := &fakeSession{id: "1", pid: 10, name: "Doom", icon: "doom.exe", volume: 0.3}
	s.attach(&fakeDevice{id: "speakers", sessions: []*fakeSession{game}}, false, "")

	require.NoError(t, s.restoreAll(false))
	assert.Zero(t, game.writeCount())
}

func TestRestoreAll_IgnoredDevice(t *testing.T) {
	s := newTestSessionSync(t,
		[]Category{{Name: "System", Volume: 0.5}},
		[]Rule{{Type: Always, Category: "System"}})

	session := &fakeSession{id: "1", pid: 10, name: "Chrome", icon: "chrome.exe", volume: 1}
	device := &fakeDevice{id: "vbcable", sessions: []*fakeSession{session}}
	s.attach(device, true, "")

	require.NoError(t, s.restoreAll(false))

	assert.Zero(t, session.writeCount())
	assert.Zero(t, device.refreshes)
	assert.True(t, s.suspended())
}

func TestRestoreAll_NoDevice(t *testing.T) {
	s := newTestSessionSync(t, nil, nil)

	assert.NoError(t, s.restoreAll(false))
	assert.True(t, s.suspended())
}

func TestRestoreAll_DeviceCategory(t *testing.T) {
	s := newTestSessionSync(t, []Category{{Name: "Speakers", Volume: 0.3}}, nil)

	device := &fakeDevice{id: "speakers", volume: 1}
	s.attach(device, false, "Speakers")

	require.NoError(t, s.restoreAll(false))
	require.NoError(t, s.restoreAll(false))

	assert.Equal(t, float32(0.3), device.GetVolume())
	assert.Equal(t, 1, device.volumeWrites)
}

func TestRestoreAll_EnumerationError(t *testing.T) {
	s := newTestSessionSync(t, nil, nil)

	s.attach(&fakeDevice{id: "speakers", sessionsErr: errors.New("device invalidated")}, false, "")

	assert.Error(t, s.restoreAll(false))
}

func TestRestoreAll_SetVolumeFailureContinues(t *testing.T) {
	s := newTestSessionSync(t,
		[]Category{{Name: "System", Volume: 0.5}},
		[]Rule{{Type: Always, Category: "System"}})

	broken := &fakeSession{id: "1", pid: 10, name: "A", icon: "a.exe", volume: 1, setErr: errors.New("session expired")}
	healthy := &fakeSession{id: "2", pid: 11, name: "B", icon: "b.exe", volume: 1}
	s.attach(&fakeDevice{id: "speakers", sessions: []*fakeSession{broken, healthy}}, false, "")

	require.NoError(t, s.restoreAll(false))
	assert.Equal(t, float32(0.5), healthy.GetVolume())
}

func TestOnNewSession_RestoresAfterDelay(t *testing.T) {
	s := newTestSessionSync(t,
		[]Category{{Name: "Music", Volume: 0.8}},
		[]Rule{{Type: NameIs, Match: "Spotify", Category: "Music"}})
	s.setNewSessionDelay(20 * time.Millisecond)

	s.attach(&fakeDevice{id: "speakers"}, false, "")

	session := &fakeSession{id: "1", pid: 10, name: "Spotify", icon: "spotify.exe", volume: 1}
	s.onNewSession(session)

	assert.Zero(t, session.writeCount(), "restore must wait for the delay")
	assert.Eventually(t, func() bool {
		return session.GetVolume() == 0.8
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.pendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestOnNewSession_RepeatRestartsTimer(t *testing.T) {
	s := newTestSessionSync(t, nil, nil)
	s.setNewSessionDelay(time.Hour)
	s.attach(&fakeDevice{id: "speakers"}, false, "")

	first := &fakeSession{id: "1", pid: 10}
	second := &fakeSession{id: "1", pid: 10}
	s.onNewSession(first)
	s.onNewSession(second)

	assert.Equal(t, 1, s.pendingCount())
	assert.Equal(t, 1, first.released, "replaced handle is released")
}

func TestOnNewSession_CancelledOnDeviceChange(t *testing.T) {
	s := newTestSessionSync(t, nil, nil)
	s.setNewSessionDelay(time.Hour)
	s.attach(&fakeDevice{id: "speakers"}, false, "")

	session := &fakeSession{id: "1", pid: 10}
	s.onNewSession(session)
	require.Equal(t, 1, s.pendingCount())

	s.attach(&fakeDevice{id: "headphones"}, false, "")

	assert.Zero(t, s.pendingCount())
	assert.Equal(t, 1, session.released)
}

func TestOnNewSession_DroppedWithoutDevice(t *testing.T) {
	s := newTestSessionSync(t, nil, nil)

	session := &fakeSession{id: "1", pid: 10}
	s.onNewSession(session)

	assert.Zero(t, s.pendingCount())
	assert.Equal(t, 1, session.released)
}
