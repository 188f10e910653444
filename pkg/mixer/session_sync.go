package mixer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

const (
	// some applications adjust their own volume right after opening a stream,
	// so the first restore of a new session waits a little
	defaultNewSessionDelay = time.Second
)

type pendingRestore struct {
	timer   *time.Timer
	session Session
	device  Device
}

// sessionSync applies category volumes to the sessions of the active device
type sessionSync struct {
	logger     *zap.SugaredLogger
	categories *categoryStore
	resolver   *identityResolver

	// protects everything below, as well as every call into the device and its sessions
	lock           sync.Mutex
	device         Device
	ignored        bool
	deviceCategory string
	rules          []Rule
	deviceRules    []Rule

	newSessionDelay time.Duration
	pendingLock     sync.Mutex
	pending         map[string]*pendingRestore
	stopped         bool
}

func newSessionSync(logger *zap.SugaredLogger, categories *categoryStore, resolver *identityResolver) *sessionSync {
	s := &sessionSync{
		logger:          logger.Named("sessions"),
		categories:      categories,
		resolver:        resolver,
		newSessionDelay: defaultNewSessionDelay,
		pending:         make(map[string]*pendingRestore),
	}

	s.logger.Debug("Created session synchronizer")

	return s
}

func (s *sessionSync) setRules(rules []Rule, deviceRules []Rule) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.rules = rules
	s.deviceRules = deviceRules
}

func (s *sessionSync) setNewSessionDelay(delay time.Duration) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	if delay < 0 {
		delay = 0
	}
	s.newSessionDelay = delay
}

// classifyDevice runs the device rules against the device's friendly name and instance id
func (s *sessionSync) classifyDevice(desc DeviceDescriptor) string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return Classify(desc.FriendlyName, desc.ID, s.deviceRules)
}

// attach makes device the synchronization target. An ignored device is tracked
// but never written to, and neither are its sessions
func (s *sessionSync) attach(device Device, ignored bool, deviceCategory string) {
	s.lock.Lock()
	s.device = device
	s.ignored = ignored
	s.deviceCategory = deviceCategory
	s.lock.Unlock()

	s.cancelPending()
}

func (s *sessionSync) detach() {
	s.attach(nil, false, "")
}

func (s *sessionSync) suspended() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.device == nil || s.ignored
}

// restoreAll applies category volumes to every session of the active device.
// fastUpdate skips refreshing the session list and the identity cache, and keeps logging quiet
func (s *sessionSync) restoreAll(fastUpdate bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.device == nil || s.ignored {
		return nil
	}

	if !fastUpdate {
		if err := s.device.RefreshSessions(); err != nil {
			s.logger.Debugw("Failed to refresh device sessions", "error", err)
		}
		s.resolver.prune()
	}

	s.restoreDeviceLocked(fastUpdate)

	sessions, err := s.device.Sessions()
	if err != nil {
		s.logger.Debugw("Failed to enumerate sessions", "device", describeDevice(s.device), "error", err)
		return fmt.Errorf("enumerate sessions: %w", err)
	}

	changed := 0
	for _, session := range sessions {
		if s.restoreSessionLocked(session, fastUpdate) {
			changed++
		}
		session.Release()
	}

	if !fastUpdate {
		s.logger.Infow("Restored session volumes", "sessions", len(sessions), "changed", changed)
	}

	return nil
}

// restoreSession applies the session's category volume, returning whether it wrote anything
func (s *sessionSync) restoreSession(session Session, fastUpdate bool) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.device == nil || s.ignored {
		return false
	}

	return s.restoreSessionLocked(session, fastUpdate)
}

func (s *sessionSync) restoreSessionLocked(session Session, fastUpdate bool) bool {
	displayName, applicationPath, _ := s.resolver.resolve(session)

	category := Classify(displayName, applicationPath, s.rules)
	if category == IgnoreCategory {
		if !fastUpdate {
			s.logger.Debugw("Ignoring session", "name", displayName, "path", applicationPath)
		}
		return false
	}

	volume := defaultVolume
	if category != "" {
		var err error
		volume, err = s.categories.get(category)
		if err != nil {
			if !fastUpdate {
				s.logger.Warnw("Session matched an undefined category, leaving it alone",
					"name", displayName, "category", category)
			}
			return false
		}
	}

	current := session.GetVolume()
	if util.VolumeEquals(current, volume) {
		if !fastUpdate {
			s.logger.Infow("Session already at category volume",
				"name", displayName, "path", applicationPath, "category", category, "volume", volume)
		}
		return false
	}

	if err := session.SetVolume(volume); err != nil {
		s.logger.Debugw("Failed to set session volume", "name", displayName, "error", err)
		return false
	}

	if !fastUpdate {
		s.logger.Infow("Matched session to category",
			"name", displayName,
			"path", applicationPath,
			"category", category,
			"from", current,
			"to", volume)
	}

	return true
}

func (s *sessionSync) restoreDeviceLocked(fastUpdate bool) {
	if s.deviceCategory == "" || s.deviceCategory == IgnoreCategory {
		return
	}

	volume, err := s.categories.get(s.deviceCategory)
	if err != nil {
		return
	}

	if util.VolumeEquals(s.device.GetVolume(), volume) {
		return
	}

	if err := s.device.SetVolume(volume); err != nil {
		s.logger.Debugw("Failed to set device volume", "device", describeDevice(s.device), "error", err)
		return
	}

	if !fastUpdate {
		s.logger.Infow("Matched device to category", "device", describeDevice(s.device), "category", s.deviceCategory, "volume", volume)
	}
}

// onNewSession schedules the first restore of a session the device just created.
// It never blocks the caller; the restore runs on its own timer
func (s *sessionSync) onNewSession(session Session) {
	s.lock.Lock()
	device := s.device
	s.lock.Unlock()

	identifier := session.Identifier()
	s.logger.Infow("New session", "session", identifier, "nativeName", session.DisplayName())

	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	if s.stopped || device == nil {
		session.Release()
		return
	}

	// a second notification for the same stream restarts the wait
	if existing, ok := s.pending[identifier]; ok {
		existing.timer.Stop()
		existing.session.Release()
	}

	p := &pendingRestore{session: session, device: device}
	p.timer = time.AfterFunc(s.newSessionDelay, func() {
		s.firePending(identifier, p)
	})
	s.pending[identifier] = p
}

func (s *sessionSync) firePending(identifier string, p *pendingRestore) {
	s.pendingLock.Lock()
	current, ok := s.pending[identifier]
	if !ok || current != p {
		s.pendingLock.Unlock()
		return
	}
	delete(s.pending, identifier)
	s.pendingLock.Unlock()

	defer p.session.Release()

	s.lock.Lock()
	defer s.lock.Unlock()

	// the device may have changed while we waited
	if s.device != p.device || s.ignored {
		return
	}

	s.restoreSessionLocked(p.session, false)
}

func (s *sessionSync) cancelPending() {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	for identifier, p := range s.pending {
		p.timer.Stop()
		p.session.Release()
		delete(s.pending, identifier)
	}
}

func (s *sessionSync) pendingCount() int {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	return len(s.pending)
}

// stop cancels pending restores; further new-session notifications are dropped
func (s *sessionSync) stop() {
	s.pendingLock.Lock()
	s.stopped = true
	s.pendingLock.Unlock()

	s.cancelPending()
	s.detach()
}
