package mixer

// Device is an audio render endpoint and the session collection bound to it
type Device interface {
	ID() string
	FriendlyName() string

	// endpoint (master) volume
	GetVolume() float32
	SetVolume(v float32) error

	// RefreshSessions asks the audio subsystem to re-read its session list
	RefreshSessions() error

	// Sessions returns freshly acquired sessions; the caller releases them
	Sessions() ([]Session, error)

	// OnSessionCreated registers a callback fired once per newly appearing session.
	// The callback owns the session it receives
	OnSessionCreated(callback func(Session)) (unsubscribe func())

	Release()
}

// DeviceObserver receives device lifecycle notifications from the audio subsystem.
// Implementations must not block: notifications may arrive on threads the engine doesn't own
type DeviceObserver interface {
	OnDefaultDeviceChanged(deviceID string)
	OnDeviceRemoved(deviceID string)
	OnDeviceStateChanged(deviceID string, state string)
}

// AudioSystem is the entry point into the OS audio subsystem
type AudioSystem interface {
	DefaultRenderDevice() (Device, error)
	RegisterObserver(observer DeviceObserver) (unregister func())

	Release() error
}

// DeviceDescriptor identifies the active render device
type DeviceDescriptor struct {
	ID           string
	FriendlyName string
}

func describeDevice(device Device) DeviceDescriptor {
	if device == nil {
		return DeviceDescriptor{}
	}

	return DeviceDescriptor{ID: device.ID(), FriendlyName: device.FriendlyName()}
}
