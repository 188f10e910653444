package mixer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const mixerTestConfig = `{
  "Categories": [
    {"Name": "System", "Volume": 0.5},
    {"Name": "Music", "Volume": 0.8}
  ],
  "Rules": [
    {"Type": "NameIs", "Match": "Spotify", "Category": "Music"},
    {"Type": "Always", "Match": "", "Category": "System"}
  ],
  "Hardware": {
    "Port": "COM_TEST",
    "Channels": ["System", "Music"]
  },
  "RestoreIntervalSeconds": 0
}`

func newTestMixer(t *testing.T) (*Mixer, *fakeNotifier, *fakeAudioSystem) {
	t.Helper()

	config, notifier := newTestConfig(t, mixerTestConfig)
	require.NoError(t, config.Load())

	logger, _ := newObservedLogger()
	audio := newFakeAudioSystem(nil)
	openTransport := func(port string, baudRate uint) (Transport, error) {
		return nil, errors.New("serial port " + port + " does not exist")
	}

	m := newMixer(logger, notifier, config, audio, newFakeInspector(), openTransport)
	m.applyConfig(config.Values())
	t.Cleanup(m.sessions.stop)

	return m, notifier, audio
}

func TestMixer_FaderMoveRestoresImmediately(t *testing.T) {
	m, _, _ := newTestMixer(t)

	spotify := &fakeSession{id: "1", pid: 10, name: "Spotify", icon: "spotify.exe", volume: 0.8}
	chrome := &fakeSession{id: "2", pid: 11, name: "Chrome", icon: "chrome.exe", volume: 0.5}
	m.sessions.attach(&fakeDevice{id: "speakers", sessions: []*fakeSession{spotify, chrome}}, false, "")

	m.onFaderMoved("Music", 0.3)

	volume, err := m.categories.get("Music")
	require.NoError(t, err)
	assert.Equal(t, float32(0.3), volume)

	assert.Equal(t, float32(0.3), spotify.GetVolume())
	assert.Zero(t, chrome.writeCount(), "other categories are left alone")
}

func TestMixer_FaderCreatesCategory(t *testing.T) {
	m, _, _ := newTestMixer(t)

	m.onFaderMoved("Game", 0.6)

	assert.True(t, m.categories.has("Game"))
}

func TestMixer_RelaySnapshot(t *testing.T) {
	m, _, _ := newTestMixer(t)

	states := m.relaySnapshot()

	require.Len(t, states, 3)
	assert.Equal(t, categoryState("Music", 0.8), states[0])
	assert.Equal(t, categoryState("System", 0.5), states[1])
	assert.Equal(t, relayState{ID: "device", State: "Disconnected"}, states[2])
}

func TestMixer_ReloadWithBrokenHardwareKeepsRunning(t *testing.T) {
	m, notifier, _ := newTestMixer(t)

	m.onConfigReloaded()

	assert.Contains(t, notifier.notified(), "Can't connect to COM_TEST!")
	assert.Nil(t, m.bridge)
	assert.Equal(t, "COM_TEST", m.hardwareConfig.Port)

	// the same hardware settings don't trigger another attempt
	m.onConfigReloaded()
	count := 0
	for _, title := range notifier.notified() {
		if title == "Can't connect to COM_TEST!" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMixer_ReloadWithBusyRelayPortNotifies(t *testing.T) {
	m, notifier, _ := newTestMixer(t)

	blocker, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.Addr().(*net.TCPAddr).Port

	withRelay := strings.Replace(mixerTestConfig, `"RestoreIntervalSeconds": 0`,
		fmt.Sprintf(`"RestoreIntervalSeconds": 0, "RelayPort": %d`, port), 1)
	require.NoError(t, os.WriteFile(m.config.Path(), []byte(withRelay), 0644))
	require.NoError(t, m.config.Load())
	require.Equal(t, port, m.config.Values().RelayPort)

	m.onConfigReloaded()

	assert.Contains(t, notifier.notified(), fmt.Sprintf("Can't start the relay on port %d!", port))
	assert.False(t, m.relay.running.Load())
}

func TestMixer_StopRunsHookAfterTeardown(t *testing.T) {
	m, _, audio := newTestMixer(t)

	hookCalls := 0
	m.onStop = func() {
		assert.True(t, audio.released, "the hook runs after the audio system is released")
		hookCalls++
	}

	group, _ := errgroup.WithContext(context.Background())
	require.NoError(t, m.stop(group))
	assert.Equal(t, 1, hookCalls)
}

func TestMixer_RestoreIntervalAppliedOnConfig(t *testing.T) {
	m, _, _ := newTestMixer(t)

	m.applyConfig(ConfigValues{RestoreInterval: time.Minute})
	m.applyConfig(ConfigValues{RestoreInterval: 2 * time.Minute})

	// only the latest pending interval survives
	require.Len(t, m.restoreIntervalChanged, 1)
	assert.Equal(t, 2*time.Minute, <-m.restoreIntervalChanged)
}

func TestMixer_RestoreLoop(t *testing.T) {
	m, _, _ := newTestMixer(t)

	// drop the interval queued by applyConfig so the loop starts from the one given here
	<-m.restoreIntervalChanged

	chrome := &fakeSession{id: "2", pid: 11, name: "Chrome", icon: "chrome.exe", volume: 1}
	m.sessions.attach(&fakeDevice{id: "speakers", sessions: []*fakeSession{chrome}}, false, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.restoreLoop(ctx, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return chrome.GetVolume() == 0.5 }, time.Second, 5*time.Millisecond)

	// a zero interval pauses periodic restores
	m.restoreIntervalChanged <- 0
	time.Sleep(20 * time.Millisecond)
	writes := chrome.writeCount()
	require.NoError(t, chrome.SetVolume(1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, writes+1, chrome.writeCount())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("restore loop did not stop")
	}
}
