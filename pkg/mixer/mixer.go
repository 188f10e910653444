// Package mixer remembers per-application volume levels by category and keeps
// every audio session of the default playback device at its category's volume
package mixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

const (
	// when this is set to anything, the mixer won't use a tray icon
	EnvNoTray = "MIXERMEMORY_NO_TRAY"

	// give the hardware bridge a moment to release the port before reopening it
	hardwareReopenDelay = 50 * time.Millisecond
)

// Options tweak how a Mixer runs
type Options struct {
	ConfigPath string
	Verbose    bool
	NoTray     bool
	Version    string

	// OnStop runs once teardown is done, right before the process exits
	OnStop func()
}

// Mixer is the main entity managing access to all sub-components
type Mixer struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	categories *categoryStore
	resolver   *identityResolver
	sessions   *sessionSync
	audio      AudioSystem
	monitor    *deviceMonitor
	relay      *relayServer

	openTransport  TransportOpener
	hardwareLock   sync.Mutex
	bridge         *hardwareBridge
	hardwareConfig HardwareConfig

	restoreIntervalChanged chan time.Duration

	stopChannel chan bool
	stopping    sync.Once
	trayReady   atomic.Bool

	verbose bool
	noTray  bool
	version string
	onStop  func()
}

// NewMixer creates a Mixer instance wired to the OS audio subsystem and the serial fader board
func NewMixer(logger *zap.SugaredLogger, options Options) (*Mixer, error) {
	logger = logger.Named("mixer")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, options.ConfigPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	// the audio system needs the poll interval, so the config is loaded up front
	if err := config.Load(); err != nil {
		logger.Errorw("Failed to load config", "error", err)
		return nil, fmt.Errorf("load config: %w", err)
	}

	audio, err := newAudioSystem(logger, config.Values().PollInterval)
	if err != nil {
		logger.Errorw("Failed to create audio system", "error", err)
		notifier.Notify("Can't access audio devices!", "Please check the logs for more details.")
		return nil, fmt.Errorf("create audio system: %w", err)
	}

	m := newMixer(logger, notifier, config, audio, newProcessInspector(logger), OpenSerialTransport)
	m.verbose = options.Verbose
	m.noTray = options.NoTray
	m.version = options.Version
	m.onStop = options.OnStop

	logger.Debug("Created mixer instance")

	return m, nil
}

func newMixer(
	logger *zap.SugaredLogger,
	notifier Notifier,
	config *CanonicalConfig,
	audio AudioSystem,
	inspector ProcessInspector,
	openTransport TransportOpener,
) *Mixer {
	m := &Mixer{
		logger:                 logger,
		notifier:               notifier,
		config:                 config,
		audio:                  audio,
		openTransport:          openTransport,
		restoreIntervalChanged: make(chan time.Duration, 1),
		stopChannel:            make(chan bool, 1),
	}

	m.categories = newCategoryStore(logger)
	m.resolver = newIdentityResolver(logger, inspector, time.Now)
	m.sessions = newSessionSync(logger, m.categories, m.resolver)
	m.monitor = newDeviceMonitor(logger, audio, m.sessions)
	m.monitor.onStateChange = m.onDeviceStateChange
	m.relay = newRelayServer(logger, m.relaySnapshot)

	return m
}

// Initialize applies the configuration and runs until stopped, in the tray unless told otherwise
func (m *Mixer) Initialize() error {
	m.logger.Debug("Initializing")

	m.applyConfig(m.config.Values())

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(EnvNoTray); noTraySet || m.noTray {

		m.logger.Debugw("Running without tray icon", "reason", "flag or envvar set")

		// run in main thread while waiting on ctrl+C
		m.setupInterruptHandler()
		m.run()

	} else {
		m.setupInterruptHandler()
		m.initializeTray(m.run)
	}

	return nil
}

// SetVersion causes the mixer to add a version string to its tray menu if called before Initialize
func (m *Mixer) SetVersion(version string) {
	m.version = version
}

// Verbose returns a boolean indicating whether the mixer is running in verbose mode
func (m *Mixer) Verbose() bool {
	return m.verbose
}

func (m *Mixer) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		m.logger.Debugw("Interrupted", "signal", signal)
		m.signalStop()
	}()
}

func (m *Mixer) run() {
	m.logger.Info("Run loop starting")

	// watch the config file for changes
	go m.config.WatchConfigFileChanges()
	m.setupOnConfigReload()

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return m.monitor.Run(groupCtx)
	})

	group.Go(func() error {
		return m.restoreLoop(groupCtx, m.config.Values().RestoreInterval)
	})

	m.startHardware(m.config.Values().Hardware)

	m.applyRelay(m.config.Values().RelayPort)

	// wait until stopped (gracefully)
	select {
	case <-m.stopChannel:
		m.logger.Debug("Stop channel signaled, terminating")
	case <-groupCtx.Done():
		m.logger.Warn("A background task failed, terminating")
	}

	cancel()

	err := m.stop(group)
	if err != nil {
		m.logger.Warnw("Failed to stop mixer", "error", err)
		os.Exit(1)
	}

	// exit with 0
	os.Exit(0)
}

func (m *Mixer) signalStop() {
	m.stopping.Do(func() {
		m.logger.Debug("Signalling stop channel")
		m.stopChannel <- true
	})
}

// stop tears everything down in dependency order: inputs first, the audio system last
func (m *Mixer) stop(group *errgroup.Group) error {
	m.logger.Info("Stopping")

	m.config.StopWatchingConfigFile()
	m.stopHardware()
	m.relay.stop()

	groupErr := group.Wait()
	m.sessions.stop()

	var errs []error
	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		errs = append(errs, fmt.Errorf("background task: %w", groupErr))
	}

	if err := m.audio.Release(); err != nil {
		m.logger.Errorw("Failed to release audio system", "error", err)
		errs = append(errs, fmt.Errorf("release audio system: %w", err))
	}

	m.stopTray()

	if m.onStop != nil {
		m.onStop()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	m.logger.Sync()

	return errors.Join(errs...)
}

// applyConfig pushes freshly loaded values into every component
func (m *Mixer) applyConfig(values ConfigValues) {
	m.categories.load(values.Categories)
	m.sessions.setRules(values.Rules, values.DeviceRules)
	m.sessions.setNewSessionDelay(values.NewSessionDelay)
	m.monitor.setRetryDelay(values.DeviceRetryDelay)

	select {
	case m.restoreIntervalChanged <- values.RestoreInterval:
	default:
		// replace a pending change nobody picked up yet
		select {
		case <-m.restoreIntervalChanged:
		default:
		}
		m.restoreIntervalChanged <- values.RestoreInterval
	}
}

func (m *Mixer) setupOnConfigReload() {
	configReloadedChannel := m.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			m.onConfigReloaded()
		}
	}()
}

func (m *Mixer) onConfigReloaded() {
	values := m.config.Values()

	m.logger.Info("Applying reloaded configuration")
	m.applyConfig(values)

	// device rules may have changed, so the device is classified again; that also restores every session
	m.monitor.Reclassify()

	m.hardwareLock.Lock()
	hardwareChanged := !reflect.DeepEqual(m.hardwareConfig, values.Hardware)
	m.hardwareLock.Unlock()

	if hardwareChanged {
		m.logger.Info("Detected change in hardware settings, renewing connection")
		m.stopHardware()
		<-time.After(hardwareReopenDelay)
		m.startHardware(values.Hardware)
	}

	m.applyRelay(values.RelayPort)

	for _, category := range m.categories.snapshot() {
		m.relay.publish(categoryState(category.Name, category.Volume))
	}
}

// restoreLoop re-applies every category volume on a fixed interval, catching sessions
// that changed their own volume since they were last restored. A zero interval pauses it
func (m *Mixer) restoreLoop(ctx context.Context, interval time.Duration) error {
	var timer *time.Timer
	var tick <-chan time.Time

	reset := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			tick = nil
		}

		if interval > 0 {
			timer = time.NewTimer(interval)
			tick = timer.C
		}
	}

	reset()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case interval = <-m.restoreIntervalChanged:
			m.logger.Debugw("Periodic restore interval set", "interval", interval)
			reset()

		case <-tick:
			m.logger.Debug("Periodic restore")
			if err := m.sessions.restoreAll(false); err != nil {
				m.logger.Debugw("Periodic restore failed", "error", err)
			}
			reset()
		}
	}
}

// onFaderMoved stores the new category volume and pushes it out to the sessions right away
func (m *Mixer) onFaderMoved(category string, volume float32) {
	stored := m.categories.set(category, volume)

	if m.verbose {
		m.logger.Debugw("Fader moved", "category", category, "volume", stored)
	}

	if err := m.sessions.restoreAll(true); err != nil {
		m.logger.Debugw("Fast restore failed", "error", err)
	}

	m.relay.publish(categoryState(category, stored))
}

func (m *Mixer) startHardware(config HardwareConfig) {
	m.hardwareLock.Lock()
	defer m.hardwareLock.Unlock()

	m.hardwareConfig = config

	if config.Port == "" {
		m.logger.Info("No serial port configured, running without hardware")
		return
	}

	bridge, err := startHardwareBridge(m.logger, m.openTransport, config, m.onFaderMoved)
	if err != nil {
		// the engine is still useful without faders
		m.logger.Warnw("Failed to connect to hardware, continuing without it", "port", config.Port, "error", err)
		m.notifier.Notify(fmt.Sprintf("Can't connect to %s!", config.Port),
			"Volumes will still be restored, but faders won't work until the configuration is fixed.")
		return
	}

	m.bridge = bridge
}

func (m *Mixer) stopHardware() {
	m.hardwareLock.Lock()
	bridge := m.bridge
	m.bridge = nil
	m.hardwareLock.Unlock()

	if bridge != nil {
		bridge.stop()
	}
}

func (m *Mixer) onDeviceStateChange(state DeviceState, desc DeviceDescriptor) {
	m.logger.Infow("Device state changed", "state", state, "device", desc)

	m.setTrayStatus(state, desc)
	m.relay.publish(deviceRelayState(state, desc))
}

func (m *Mixer) applyRelay(port int) {
	if err := m.relay.apply(port); err != nil {
		m.logger.Warnw("Failed to apply relay settings", "port", port, "error", err)
		m.notifier.Notify(fmt.Sprintf("Can't start the relay on port %d!", port),
			"Volumes will still be restored, but relay clients won't get updates.")
	}
}

func (m *Mixer) relaySnapshot() []relayState {
	categories := m.categories.snapshot()
	states := make([]relayState, 0, len(categories)+1)

	for _, category := range categories {
		states = append(states, categoryState(category.Name, category.Volume))
	}

	state, desc := m.monitor.State()
	states = append(states, deviceRelayState(state, desc))

	return states
}
