package mixer

import (
	"go.uber.org/zap"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

type procInspector struct {
	logger *zap.SugaredLogger
}

func newProcessInspector(logger *zap.SugaredLogger) ProcessInspector {
	return &procInspector{logger: logger.Named("process")}
}

func (pi *procInspector) MainModulePath(pid uint32) (string, error) {
	return util.ExecutablePath(pid)
}

// ProductName has no equivalent for ELF binaries
func (pi *procInspector) ProductName(uint32) (string, error) {
	return "", errNotSupported
}

// WindowTitle would need an X11 or Wayland connection, which the engine doesn't have
func (pi *procInspector) WindowTitle(uint32) (string, error) {
	return "", errNotSupported
}

func (pi *procInspector) ProcessName(pid uint32) (string, error) {
	return processName(pid)
}
