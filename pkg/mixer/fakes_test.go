package mixer

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

// entriesAtLevel keeps the observed entries logged at exactly level
func entriesAtLevel(logs *observer.ObservedLogs, level zapcore.Level) []observer.LoggedEntry {
	var entries []observer.LoggedEntry
	for _, entry := range logs.All() {
		if entry.Level == level {
			entries = append(entries, entry)
		}
	}
	return entries
}

type fakeSession struct {
	mu sync.Mutex

	id     string
	pid    uint32
	name   string
	icon   string
	system bool

	volume   float32
	setErr   error
	writes   int
	released int
}

func (s *fakeSession) Identifier() string   { return s.id }
func (s *fakeSession) ProcessID() uint32    { return s.pid }
func (s *fakeSession) DisplayName() string  { return s.name }
func (s *fakeSession) IconPath() string     { return s.icon }
func (s *fakeSession) IsSystemSounds() bool { return s.system }

func (s *fakeSession) GetVolume() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.volume
}

func (s *fakeSession) SetVolume(v float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}

	s.volume = v
	s.writes++

	return nil
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released++
}

func (s *fakeSession) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writes
}

type fakeDevice struct {
	mu sync.Mutex

	id   string
	name string

	volume       float32
	volumeWrites int
	sessions     []*fakeSession
	sessionsErr  error
	refreshes    int
	released     int

	callback     func(Session)
	unsubscribes int
}

func (d *fakeDevice) ID() string           { return d.id }
func (d *fakeDevice) FriendlyName() string { return d.name }

func (d *fakeDevice) GetVolume() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.volume
}

func (d *fakeDevice) SetVolume(v float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volume = v
	d.volumeWrites++

	return nil
}

func (d *fakeDevice) RefreshSessions() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.refreshes++

	return nil
}

func (d *fakeDevice) Sessions() ([]Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessionsErr != nil {
		return nil, d.sessionsErr
	}

	sessions := make([]Session, 0, len(d.sessions))
	for _, session := range d.sessions {
		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (d *fakeDevice) OnSessionCreated(callback func(Session)) func() {
	d.mu.Lock()
	d.callback = callback
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.callback = nil
		d.unsubscribes++
	}
}

func (d *fakeDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.released++
}

func (d *fakeDevice) subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.callback != nil
}

func (d *fakeDevice) unsubscribeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.unsubscribes
}

var errNoDevice = errors.New("no default render device")

type fakeAudioSystem struct {
	mu sync.Mutex

	device    *fakeDevice
	err       error
	acquired  int
	observers map[int]DeviceObserver
	nextID    int
	released  bool
}

func newFakeAudioSystem(device *fakeDevice) *fakeAudioSystem {
	return &fakeAudioSystem{device: device, observers: make(map[int]DeviceObserver)}
}

func (a *fakeAudioSystem) DefaultRenderDevice() (Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acquired++

	if a.err != nil {
		return nil, a.err
	}
	if a.device == nil {
		return nil, errNoDevice
	}

	return a.device, nil
}

func (a *fakeAudioSystem) RegisterObserver(observer DeviceObserver) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.observers[id] = observer
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		delete(a.observers, id)
	}
}

func (a *fakeAudioSystem) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.released = true

	return nil
}

func (a *fakeAudioSystem) setDevice(device *fakeDevice, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.device = device
	a.err = err
}

func (a *fakeAudioSystem) acquisitions() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.acquired
}

func (a *fakeAudioSystem) observerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.observers)
}

type fakeInspector struct {
	mu sync.Mutex

	modulePaths  map[uint32]string
	productNames map[uint32]string
	windowTitles map[uint32]string
	processNames map[uint32]string

	calls int
}

var errAccessDenied = errors.New("access is denied")

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		modulePaths:  map[uint32]string{},
		productNames: map[uint32]string{},
		windowTitles: map[uint32]string{},
		processNames: map[uint32]string{},
	}
}

func (fi *fakeInspector) lookup(m map[uint32]string, pid uint32) (string, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	fi.calls++

	value, ok := m[pid]
	if !ok {
		return "", errAccessDenied
	}

	return value, nil
}

func (fi *fakeInspector) MainModulePath(pid uint32) (string, error) {
	return fi.lookup(fi.modulePaths, pid)
}

func (fi *fakeInspector) ProductName(pid uint32) (string, error) {
	return fi.lookup(fi.productNames, pid)
}

func (fi *fakeInspector) WindowTitle(pid uint32) (string, error) {
	return fi.lookup(fi.windowTitles, pid)
}

func (fi *fakeInspector) ProcessName(pid uint32) (string, error) {
	return fi.lookup(fi.processNames, pid)
}

func (fi *fakeInspector) callCount() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	return fi.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.titles = append(n.titles, title)
}

func (n *fakeNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.titles...)
}

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
