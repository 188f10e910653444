package mixer

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

const (
	// S_FALSE from CoInitializeEx: COM was already initialized on this thread
	comAlreadyInitialized = 1

	// AUDCLNT_S_NO_SINGLE_PROCESS, the session spans several processes
	audclntNoSingleProcess = 0x889000D

	comCallBuffer = 16
)

var errCOMStopped = errors.New("COM worker stopped")

type comCall struct {
	fn     func() error
	result chan error
}

// comWorker owns the single OS thread every COM call goes through
type comWorker struct {
	calls    chan comCall
	stopOnce sync.Once
	done     chan struct{}
	exited   chan struct{}
}

func startCOMWorker(logger *zap.SugaredLogger) (*comWorker, error) {
	w := &comWorker{
		calls:  make(chan comCall, comCallBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	ready := make(chan error, 1)

	go func() {
		defer close(w.exited)

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
			oleError := &ole.OleError{}
			if !errors.As(err, &oleError) || oleError.Code() != comAlreadyInitialized {
				logger.Warnw("Failed to call CoInitializeEx", "error", err)
				ready <- fmt.Errorf("call CoInitializeEx: %w", err)
				return
			}

			logger.Debug("CoInitializeEx: COM already initialized on this thread")
		}
		defer ole.CoUninitialize()

		ready <- nil

		for {
			select {
			case <-w.done:
				return
			case call := <-w.calls:
				call.result <- call.fn()
			}
		}
	}()

	if err := <-ready; err != nil {
		return nil, err
	}

	return w, nil
}

func (w *comWorker) do(fn func() error) error {
	call := comCall{fn: fn, result: make(chan error, 1)}

	select {
	case <-w.done:
		return errCOMStopped
	case w.calls <- call:
	}

	select {
	case err := <-call.result:
		return err
	case <-w.exited:
		return errCOMStopped
	}
}

func (w *comWorker) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		<-w.exited
	})
}

type wcaAudioSystem struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	com        *comWorker
	enumerator *wca.IMMDeviceEnumerator

	pollInterval time.Duration
	poller       *devicePoller
}

func newAudioSystem(logger *zap.SugaredLogger, pollInterval time.Duration) (AudioSystem, error) {
	as := &wcaAudioSystem{
		logger:        logger.Named("audio"),
		sessionLogger: logger.Named("sessions"),
		pollInterval:  pollInterval,
	}

	com, err := startCOMWorker(as.logger)
	if err != nil {
		return nil, fmt.Errorf("start COM worker: %w", err)
	}
	as.com = com

	if err := com.do(func() error {
		return wca.CoCreateInstance(
			wca.CLSID_MMDeviceEnumerator,
			0,
			wca.CLSCTX_ALL,
			wca.IID_IMMDeviceEnumerator,
			&as.enumerator,
		)
	}); err != nil {
		as.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		com.stop()
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	as.poller = newDevicePoller(as.logger, pollInterval, as.snapshot)
	as.poller.start()

	as.logger.Debug("Created WCA audio system instance")

	return as, nil
}

func (as *wcaAudioSystem) snapshot() (deviceSnapshot, error) {
	var id string

	err := as.com.do(func() error {
		var endpoint *wca.IMMDevice
		if err := as.enumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &endpoint); err != nil {
			return fmt.Errorf("get default audio endpoint: %w", err)
		}
		defer endpoint.Release()

		return endpoint.GetId(&id)
	})
	if err != nil {
		return deviceSnapshot{}, err
	}

	return deviceSnapshot{defaultID: id, states: map[string]string{id: deviceStatePresent}}, nil
}

func (as *wcaAudioSystem) DefaultRenderDevice() (Device, error) {
	d := &wcaDevice{
		logger:        as.logger.Named("device"),
		sessionLogger: as.sessionLogger,
		com:           as.com,
		eventCtx:      ole.NewGUID("{4c6b5f9a-3a3e-4b8e-9d53-6d1e2c7b5a10}"),
	}

	err := as.com.do(func() error {
		if err := as.enumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &d.endpoint); err != nil {
			return fmt.Errorf("get default audio endpoint: %w", err)
		}

		if err := d.endpoint.GetId(&d.id); err != nil {
			d.endpoint.Release()
			return fmt.Errorf("get endpoint id: %w", err)
		}

		if err := d.endpoint.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &d.volume); err != nil {
			d.endpoint.Release()
			return fmt.Errorf("activate endpoint volume: %w", err)
		}

		if err := d.endpoint.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &d.sessionManager); err != nil {
			d.volume.Release()
			d.endpoint.Release()
			return fmt.Errorf("activate session manager: %w", err)
		}

		d.friendlyName = d.id

		var propertyStore *wca.IPropertyStore
		if err := d.endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
			d.logger.Debugw("Failed to open endpoint property store", "error", err)
			return nil
		}
		defer propertyStore.Release()

		var value wca.PROPVARIANT
		if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, &value); err != nil {
			d.logger.Debugw("Failed to get endpoint friendly name", "error", err)
			return nil
		}

		d.friendlyName = value.String()

		return nil
	})
	if err != nil {
		return nil, err
	}

	d.watcher = newSessionWatcher(d.logger, as.pollInterval, d.Sessions)

	d.logger.Debugw("Acquired default audio endpoint", "id", d.id, "name", d.friendlyName)

	return d, nil
}

func (as *wcaAudioSystem) RegisterObserver(observer DeviceObserver) func() {
	return as.poller.register(observer)
}

func (as *wcaAudioSystem) Release() error {
	as.poller.stop()

	as.com.do(func() error {
		as.enumerator.Release()
		return nil
	})
	as.com.stop()

	as.logger.Debug("Released WCA audio system instance")

	return nil
}

type wcaDevice struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	com            *comWorker
	endpoint       *wca.IMMDevice
	volume         *wca.IAudioEndpointVolume
	sessionManager *wca.IAudioSessionManager2
	eventCtx       *ole.GUID

	id           string
	friendlyName string

	watcher     *sessionWatcher
	releaseOnce sync.Once
}

func (d *wcaDevice) ID() string {
	return d.id
}

func (d *wcaDevice) FriendlyName() string {
	return d.friendlyName
}

func (d *wcaDevice) GetVolume() float32 {
	var level float32

	if err := d.com.do(func() error {
		return d.volume.GetMasterVolumeLevelScalar(&level)
	}); err != nil {
		d.logger.Warnw("Failed to get endpoint volume", "error", err)
	}

	return level
}

func (d *wcaDevice) SetVolume(v float32) error {
	if err := d.com.do(func() error {
		return d.volume.SetMasterVolumeLevelScalar(v, d.eventCtx)
	}); err != nil {
		d.logger.Warnw("Failed to set endpoint volume", "error", err, "volume", v)
		return fmt.Errorf("adjust endpoint volume: %w", err)
	}

	d.logger.Debugw("Adjusting endpoint volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

// RefreshSessions is a no-op: every Sessions call takes a fresh session enumerator
func (d *wcaDevice) RefreshSessions() error {
	return nil
}

func (d *wcaDevice) Sessions() ([]Session, error) {
	sessions := []Session{}

	err := d.com.do(func() error {
		var sessionEnumerator *wca.IAudioSessionEnumerator
		if err := d.sessionManager.GetSessionEnumerator(&sessionEnumerator); err != nil {
			return fmt.Errorf("get session enumerator: %w", err)
		}
		defer sessionEnumerator.Release()

		var sessionCount int
		if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
			return fmt.Errorf("get session count: %w", err)
		}

		for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
			session, err := d.openSession(sessionEnumerator, sessionIdx)
			if err != nil {
				d.logger.Debugw("Skipping audio session", "index", sessionIdx, "error", err)
				continue
			}

			sessions = append(sessions, session)
		}

		return nil
	})
	if err != nil {
		for _, session := range sessions {
			session.Release()
		}
		return nil, err
	}

	return sessions, nil
}

// openSession runs on the COM thread
func (d *wcaDevice) openSession(sessionEnumerator *wca.IAudioSessionEnumerator, sessionIdx int) (*wcaSession, error) {
	var audioSessionControl *wca.IAudioSessionControl
	if err := sessionEnumerator.GetSession(sessionIdx, &audioSessionControl); err != nil {
		return nil, fmt.Errorf("get session %d from enumerator: %w", sessionIdx, err)
	}

	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	audioSessionControl.Release()
	if err != nil {
		return nil, fmt.Errorf("query session %d IAudioSessionControl2: %w", sessionIdx, err)
	}

	control := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	var pid uint32
	if err := control.GetProcessId(&pid); err != nil {
		oleError := &ole.OleError{}
		if !errors.As(err, &oleError) || oleError.Code() != audclntNoSingleProcess {
			control.Release()
			return nil, fmt.Errorf("query session %d pid: %w", sessionIdx, err)
		}

		// multi-process sessions have no owner to ask, the native name is all we get
		pid = 0
	}

	dispatch, err = control.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		control.Release()
		return nil, fmt.Errorf("query session %d ISimpleAudioVolume: %w", sessionIdx, err)
	}

	volume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))

	return newWCASession(d.sessionLogger, d.com, control, volume, pid, d.eventCtx), nil
}

func (d *wcaDevice) OnSessionCreated(callback func(Session)) func() {
	return d.watcher.subscribe(callback)
}

func (d *wcaDevice) Release() {
	d.releaseOnce.Do(func() {
		d.com.do(func() error {
			d.sessionManager.Release()
			d.volume.Release()
			d.endpoint.Release()
			return nil
		})

		d.logger.Debugw("Released audio endpoint", "id", d.id)
	})
}

type wcaSession struct {
	baseSession

	com      *comWorker
	control  *wca.IAudioSessionControl2
	volume   *wca.ISimpleAudioVolume
	eventCtx *ole.GUID

	releaseOnce sync.Once
}

// newWCASession runs on the COM thread
func newWCASession(
	logger *zap.SugaredLogger,
	com *comWorker,
	control *wca.IAudioSessionControl2,
	volume *wca.ISimpleAudioVolume,
	pid uint32,
	eventCtx *ole.GUID,
) *wcaSession {

	s := &wcaSession{
		com:      com,
		control:  control,
		volume:   volume,
		eventCtx: eventCtx,
	}

	s.logger = logger
	s.pid = pid

	if err := control.GetSessionInstanceIdentifier(&s.identifier); err != nil || s.identifier == "" {
		s.identifier = fmt.Sprintf("pid:%d", pid)
	}

	// the system sounds session is the only one the system process owns
	s.system = pid == 0

	var displayName string
	if err := control.GetDisplayName(&displayName); err == nil && !strings.HasPrefix(displayName, "@") {
		// "@%SystemRoot%\..." names are resource references, not something a user would recognize
		s.displayName = displayName
	}

	var iconPath string
	if err := control.GetIconPath(&iconPath); err == nil && !strings.HasPrefix(iconPath, "@") {
		s.iconPath = iconPath
	}

	s.humanReadableDesc = fmt.Sprintf("%s (pid %d)", s.identifier, pid)

	return s
}

func (s *wcaSession) GetVolume() float32 {
	var level float32

	if err := s.com.do(func() error {
		return s.volume.GetMasterVolume(&level)
	}); err != nil {
		s.logger.Warnw("Failed to get session volume", "session", s.humanReadableDesc, "error", err)
	}

	return level
}

func (s *wcaSession) SetVolume(v float32) error {
	if err := s.com.do(func() error {
		return s.volume.SetMasterVolume(v, s.eventCtx)
	}); err != nil {
		s.logger.Warnw("Failed to set session volume", "session", s.humanReadableDesc, "error", err)
		return fmt.Errorf("adjust session volume: %w", err)
	}

	s.logger.Debugw("Adjusting session volume", "session", s.humanReadableDesc, "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *wcaSession) Release() {
	s.releaseOnce.Do(func() {
		s.com.do(func() error {
			s.volume.Release()
			s.control.Release()
			return nil
		})
	})
}

func (s *wcaSession) String() string {
	return describeSession(s.humanReadableDesc, s.GetVolume())
}
