package mixer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeviceState is where the device monitor currently stands
type DeviceState int

const (
	Disconnected DeviceState = iota
	Active
	Ignored
)

const (
	// delay before trying to acquire the default render device again after a failure
	defaultDeviceRetryDelay = 5 * time.Second

	deviceEventBufferSize = 32
)

func (s DeviceState) String() string {
	switch s {
	case Active:
		return "Active"
	case Ignored:
		return "Ignored"
	}

	return "Disconnected"
}

type deviceEventKind int

const (
	eventRefresh deviceEventKind = iota
	eventReclassify
	eventDefaultChanged
	eventDeviceRemoved
	eventDeviceStateChanged
)

func (k deviceEventKind) String() string {
	switch k {
	case eventReclassify:
		return "reclassify"
	case eventDefaultChanged:
		return "default-changed"
	case eventDeviceRemoved:
		return "removed"
	case eventDeviceStateChanged:
		return "state-changed"
	}

	return "refresh"
}

type deviceEvent struct {
	kind     deviceEventKind
	deviceID string
	state    string
}

// deviceMonitor owns the active render device. OS notifications only enqueue events,
// every transition happens on the goroutine running Run
type deviceMonitor struct {
	logger *zap.SugaredLogger
	audio  AudioSystem
	sync   *sessionSync

	events     chan deviceEvent
	retryDelay time.Duration

	// set before Run, called from the monitor goroutine on every transition
	onStateChange func(DeviceState, DeviceDescriptor)

	mu                  sync.Mutex
	state               DeviceState
	current             Device
	currentDesc         DeviceDescriptor
	unsubscribeSessions func()
	retryTimer          *time.Timer
	reportedID          string
}

func newDeviceMonitor(logger *zap.SugaredLogger, audio AudioSystem, sessions *sessionSync) *deviceMonitor {
	m := &deviceMonitor{
		logger:     logger.Named("device"),
		audio:      audio,
		sync:       sessions,
		events:     make(chan deviceEvent, deviceEventBufferSize),
		retryDelay: defaultDeviceRetryDelay,
		state:      Disconnected,
	}

	m.logger.Debug("Created device monitor")

	return m
}

func (m *deviceMonitor) setRetryDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delay <= 0 {
		delay = defaultDeviceRetryDelay
	}
	m.retryDelay = delay
}

// State returns the current state and the device it refers to
func (m *deviceMonitor) State() (DeviceState, DeviceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state, m.currentDesc
}

// OnDefaultDeviceChanged implements DeviceObserver
func (m *deviceMonitor) OnDefaultDeviceChanged(deviceID string) {
	m.enqueue(deviceEvent{kind: eventDefaultChanged, deviceID: deviceID})
}

// OnDeviceRemoved implements DeviceObserver
func (m *deviceMonitor) OnDeviceRemoved(deviceID string) {
	m.enqueue(deviceEvent{kind: eventDeviceRemoved, deviceID: deviceID})
}

// OnDeviceStateChanged implements DeviceObserver
func (m *deviceMonitor) OnDeviceStateChanged(deviceID string, state string) {
	m.enqueue(deviceEvent{kind: eventDeviceStateChanged, deviceID: deviceID, state: state})
}

// Refresh asks the monitor to re-acquire the default render device
func (m *deviceMonitor) Refresh() {
	m.enqueue(deviceEvent{kind: eventRefresh})
}

// Reclassify re-evaluates the device rules against the current device, e.g. after a config reload
func (m *deviceMonitor) Reclassify() {
	m.enqueue(deviceEvent{kind: eventReclassify})
}

func (m *deviceMonitor) enqueue(event deviceEvent) {
	select {
	case m.events <- event:
	default:
		// a full queue already holds an acquisition attempt, dropping is harmless
		m.logger.Debugw("Device event queue full, dropping event", "event", event.kind)
	}
}

// Run processes device events until ctx is done, then releases the device and unsubscribes
func (m *deviceMonitor) Run(ctx context.Context) error {
	unregister := m.audio.RegisterObserver(m)
	defer unregister()
	defer m.teardown()

	m.logger.Debug("Device monitor running")
	m.acquire(false)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Device monitor stopping")
			return nil

		case event := <-m.events:
			m.handle(event)
		}
	}
}

func (m *deviceMonitor) handle(event deviceEvent) {
	switch event.kind {
	case eventRefresh:
		m.acquire(false)

	case eventReclassify:
		m.acquire(true)

	case eventDefaultChanged:
		m.logger.Infow("Default device changed", "deviceId", event.deviceID)
		m.acquire(false)

	case eventDeviceRemoved, eventDeviceStateChanged:
		m.mu.Lock()
		tracked := m.currentDesc.ID
		m.mu.Unlock()

		if tracked == "" || event.deviceID != tracked {
			m.logger.Debugw("Ignoring notification for untracked device", "event", event.kind, "deviceId", event.deviceID)
			return
		}

		m.logger.Infow("Tracked device changed", "event", event.kind, "deviceId", event.deviceID, "state", event.state)
		m.acquire(false)
	}
}

// acquire picks up the current default render device. force re-runs the
// classification even when the device didn't change
func (m *deviceMonitor) acquire(force bool) {
	m.stopRetry()

	device, err := m.audio.DefaultRenderDevice()
	if err != nil {
		m.logger.Debugw("Failed to acquire default render device, retrying later", "error", err)

		m.releaseCurrent()
		m.setState(Disconnected, DeviceDescriptor{})
		m.scheduleRetry()

		return
	}

	desc := describeDevice(device)

	m.mu.Lock()
	same := m.current != nil && m.currentDesc.ID == desc.ID
	m.mu.Unlock()

	if same && !force {
		device.Release()
		return
	}

	m.releaseCurrent()

	category := m.sync.classifyDevice(desc)

	m.mu.Lock()
	m.current = device
	m.currentDesc = desc
	m.mu.Unlock()

	if category == IgnoreCategory {
		m.sync.attach(device, true, "")
		m.logger.Infow("Active device is ignored, suspending session synchronization", "device", desc)
		m.setState(Ignored, desc)
		return
	}

	m.sync.attach(device, false, category)

	unsubscribe := device.OnSessionCreated(m.sync.onNewSession)
	m.mu.Lock()
	m.unsubscribeSessions = unsubscribe
	m.mu.Unlock()

	m.logger.Infow("Set active device", "device", desc, "category", category)
	m.setState(Active, desc)

	if err := m.sync.restoreAll(false); err != nil {
		m.logger.Debugw("Initial restore failed", "device", desc, "error", err)
	}
}

func (m *deviceMonitor) setState(state DeviceState, desc DeviceDescriptor) {
	m.mu.Lock()
	changed := m.state != state || m.reportedID != desc.ID
	m.state = state
	m.reportedID = desc.ID
	m.mu.Unlock()

	if changed && m.onStateChange != nil {
		m.onStateChange(state, desc)
	}
}

// releaseCurrent drops the tracked device along with its session subscription
func (m *deviceMonitor) releaseCurrent() {
	m.mu.Lock()
	device := m.current
	unsubscribe := m.unsubscribeSessions
	m.current = nil
	m.currentDesc = DeviceDescriptor{}
	m.unsubscribeSessions = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if device == nil {
		return
	}

	m.sync.detach()
	device.Release()
}

func (m *deviceMonitor) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryTimer = time.AfterFunc(m.retryDelay, func() {
		m.enqueue(deviceEvent{kind: eventRefresh})
	})
}

func (m *deviceMonitor) stopRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *deviceMonitor) teardown() {
	m.stopRetry()
	m.releaseCurrent()
	m.setState(Disconnected, DeviceDescriptor{})

	m.logger.Debug("Device monitor stopped")
}
