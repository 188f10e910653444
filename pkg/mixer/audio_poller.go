package mixer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second

	deviceStatePresent = "present"
)

// deviceSnapshot is what the backend reports on every poll
type deviceSnapshot struct {
	defaultID string

	// every known render device and its backend-specific state string
	states map[string]string
}

// devicePoller periodically asks the audio backend what the device landscape looks like
// and converts the differences into DeviceObserver notifications
type devicePoller struct {
	logger   *zap.SugaredLogger
	interval time.Duration
	query    func() (deviceSnapshot, error)

	lock      sync.Mutex
	observers map[int]DeviceObserver
	nextID    int
	last      *deviceSnapshot

	stopChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newDevicePoller(logger *zap.SugaredLogger, interval time.Duration, query func() (deviceSnapshot, error)) *devicePoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &devicePoller{
		logger:      logger.Named("device_poller"),
		interval:    interval,
		query:       query,
		observers:   make(map[int]DeviceObserver),
		stopChannel: make(chan struct{}),
	}
}

func (p *devicePoller) register(observer DeviceObserver) func() {
	p.lock.Lock()
	id := p.nextID
	p.nextID++
	p.observers[id] = observer
	p.lock.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			p.lock.Lock()
			delete(p.observers, id)
			p.lock.Unlock()
		})
	}
}

func (p *devicePoller) start() {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.poll()

		for {
			select {
			case <-p.stopChannel:
				return
			case <-ticker.C:
				p.poll()
			}
		}
	}()
}

func (p *devicePoller) stop() {
	p.stopOnce.Do(func() {
		close(p.stopChannel)
		p.wg.Wait()
	})
}

// poll takes one snapshot and notifies observers about what changed since the previous one.
// The first snapshot only primes the comparison
func (p *devicePoller) poll() {
	current, err := p.query()
	if err != nil {
		p.logger.Debugw("Failed to query audio devices", "error", err)

		// an unreachable backend looks like every device went away
		current = deviceSnapshot{states: map[string]string{}}
	}

	p.lock.Lock()
	previous := p.last
	p.last = &current
	observers := make([]DeviceObserver, 0, len(p.observers))
	for _, observer := range p.observers {
		observers = append(observers, observer)
	}
	p.lock.Unlock()

	if previous == nil {
		return
	}

	for id, state := range previous.states {
		newState, ok := current.states[id]
		switch {
		case !ok:
			p.logger.Debugw("Device disappeared", "deviceId", id)
			for _, observer := range observers {
				observer.OnDeviceRemoved(id)
			}
		case newState != state:
			p.logger.Debugw("Device state changed", "deviceId", id, "from", state, "to", newState)
			for _, observer := range observers {
				observer.OnDeviceStateChanged(id, newState)
			}
		}
	}

	if current.defaultID != previous.defaultID {
		p.logger.Debugw("Default device changed", "from", previous.defaultID, "to", current.defaultID)
		for _, observer := range observers {
			observer.OnDefaultDeviceChanged(current.defaultID)
		}
	}
}

// sessionWatcher polls a device's session list and hands every session it hasn't
// seen before to the subscribed callbacks
type sessionWatcher struct {
	logger   *zap.SugaredLogger
	interval time.Duration
	list     func() ([]Session, error)

	lock      sync.Mutex
	callbacks map[int]func(Session)
	nextID    int
	known     map[string]struct{}
	primed    bool

	stopChannel chan struct{}
	running     bool
	wg          sync.WaitGroup
}

func newSessionWatcher(logger *zap.SugaredLogger, interval time.Duration, list func() ([]Session, error)) *sessionWatcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &sessionWatcher{
		logger:    logger.Named("session_watcher"),
		interval:  interval,
		list:      list,
		callbacks: make(map[int]func(Session)),
		known:     make(map[string]struct{}),
	}
}

// subscribe registers callback and starts polling if this is the first subscriber
func (w *sessionWatcher) subscribe(callback func(Session)) func() {
	w.lock.Lock()
	id := w.nextID
	w.nextID++
	w.callbacks[id] = callback

	if !w.running {
		w.running = true
		w.primed = false
		w.stopChannel = make(chan struct{})
		w.wg.Add(1)
		go w.loop(w.stopChannel)
	}
	w.lock.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			w.lock.Lock()
			delete(w.callbacks, id)
			last := len(w.callbacks) == 0 && w.running
			if last {
				w.running = false
				close(w.stopChannel)
			}
			w.lock.Unlock()

			if last {
				w.wg.Wait()
			}
		})
	}
}

func (w *sessionWatcher) loop(stopChannel chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll()

	for {
		select {
		case <-stopChannel:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll diffs the session list against the previous one. Sessions present on the very
// first poll were there before anyone subscribed and are not reported as new
func (w *sessionWatcher) poll() {
	sessions, err := w.list()
	if err != nil {
		w.logger.Debugw("Failed to list sessions", "error", err)
		return
	}

	w.lock.Lock()
	primed := w.primed
	w.primed = true

	seen := make(map[string]struct{}, len(sessions))
	fresh := []Session{}
	for _, session := range sessions {
		identifier := session.Identifier()
		seen[identifier] = struct{}{}

		if _, known := w.known[identifier]; primed && !known {
			fresh = append(fresh, session)
			continue
		}

		session.Release()
	}

	w.known = seen

	callbacks := make([]func(Session), 0, len(w.callbacks))
	for _, callback := range w.callbacks {
		callbacks = append(callbacks, callback)
	}
	w.lock.Unlock()

	for _, session := range fresh {
		identifier := session.Identifier()
		w.logger.Debugw("Session appeared", "session", identifier)

		if len(callbacks) == 0 {
			session.Release()
			continue
		}

		// each callback owns its session, so every extra subscriber gets a fresh handle
		callbacks[0](session)
		for _, callback := range callbacks[1:] {
			if dup := w.reacquire(identifier); dup != nil {
				callback(dup)
			}
		}
	}
}

func (w *sessionWatcher) reacquire(identifier string) Session {
	sessions, err := w.list()
	if err != nil {
		return nil
	}

	var found Session
	for _, session := range sessions {
		if found == nil && session.Identifier() == identifier {
			found = session
			continue
		}
		session.Release()
	}

	return found
}
