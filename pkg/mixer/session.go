package mixer

import (
	"fmt"

	"go.uber.org/zap"
)

// Session represents a single live per-application audio stream
type Session interface {
	// Identifier is stable for the lifetime of the stream and keys the identity cache
	Identifier() string
	ProcessID() uint32

	// DisplayName and IconPath are whatever the audio subsystem reports natively, possibly empty
	DisplayName() string
	IconPath() string
	IsSystemSounds() bool

	GetVolume() float32
	SetVolume(v float32) error

	Release()
}

const (
	sessionCreationLogMessage = "Created audio session instance"

	// format this with s.humanReadableDesc and whatever the current volume is
	sessionStringFormat = "<session: %s, vol: %.2f>"
)

type baseSession struct {
	logger *zap.SugaredLogger
	system bool

	identifier  string
	pid         uint32
	displayName string
	iconPath    string

	// used by String(), needs to be set by child
	humanReadableDesc string
}

func (s *baseSession) Identifier() string {
	return s.identifier
}

func (s *baseSession) ProcessID() uint32 {
	return s.pid
}

func (s *baseSession) DisplayName() string {
	return s.displayName
}

func (s *baseSession) IconPath() string {
	return s.iconPath
}

func (s *baseSession) IsSystemSounds() bool {
	return s.system
}

func describeSession(desc string, volume float32) string {
	return fmt.Sprintf(sessionStringFormat, desc, volume)
}
