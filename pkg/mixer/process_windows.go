package mixer

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/lxn/win"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

var (
	moduser32 = windows.NewLazySystemDLL("user32.dll")

	procEnumWindows         = moduser32.NewProc("EnumWindows")
	procGetWindowTextLength = moduser32.NewProc("GetWindowTextLengthW")
	procGetWindowText       = moduser32.NewProc("GetWindowTextW")

	errNoWindow = errors.New("process has no visible window")

	// one callback for the lifetime of the process; syscall.NewCallback slots are never freed
	enumWindowsCallback = syscall.NewCallback(enumWindowsProc)
	enumWindowsTarget   *windowSearch
	enumWindowsLock     sync.Mutex
)

type winInspector struct {
	logger *zap.SugaredLogger
}

func newProcessInspector(logger *zap.SugaredLogger) ProcessInspector {
	return &winInspector{logger: logger.Named("process")}
}

func (wi *winInspector) MainModulePath(pid uint32) (string, error) {
	return util.ExecutablePath(pid)
}

// ProductName reads the ProductName string out of the executable's version resource
func (wi *winInspector) ProductName(pid uint32) (string, error) {
	path, err := util.ExecutablePath(pid)
	if err != nil {
		return "", err
	}

	var zeroHandle windows.Handle
	size, err := windows.GetFileVersionInfoSize(path, &zeroHandle)
	if err != nil {
		return "", fmt.Errorf("get version info size: %w", err)
	}

	info := make([]byte, size)
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&info[0])); err != nil {
		return "", fmt.Errorf("get version info: %w", err)
	}

	var translation *[2]uint16
	var translationLen uint32
	if err := windows.VerQueryValue(
		unsafe.Pointer(&info[0]),
		`\VarFileInfo\Translation`,
		unsafe.Pointer(&translation),
		&translationLen,
	); err != nil || translationLen < 4 {
		return "", fmt.Errorf("query version translation: %w", errEmptyResult)
	}

	subBlock := fmt.Sprintf(`\StringFileInfo\%04x%04x\ProductName`, translation[0], translation[1])

	var product *uint16
	var productLen uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&info[0]), subBlock, unsafe.Pointer(&product), &productLen); err != nil {
		return "", fmt.Errorf("query product name: %w", err)
	}

	if productLen == 0 || product == nil {
		return "", errEmptyResult
	}

	return windows.UTF16PtrToString(product), nil
}

// WindowTitle returns the title of the process's main window. Top-level windows win over
// owned ones, and only visible windows count
func (wi *winInspector) WindowTitle(pid uint32) (string, error) {
	hwnd := findWindowByPID(pid)
	if hwnd == 0 {
		return "", errNoWindow
	}

	return getWindowTitle(hwnd), nil
}

func (wi *winInspector) ProcessName(pid uint32) (string, error) {
	return processName(pid)
}

type windowSearch struct {
	pid       uint32
	topLevel  win.HWND
	candidate win.HWND
}

func enumWindowsProc(hwnd win.HWND, lParam uintptr) uintptr {
	search := enumWindowsTarget

	var windowPID uint32
	win.GetWindowThreadProcessId(hwnd, &windowPID)

	if windowPID != search.pid || !win.IsWindowVisible(hwnd) {
		return 1
	}

	if win.GetParent(hwnd) == 0 && search.topLevel == 0 {
		search.topLevel = hwnd
	}

	if search.candidate == 0 {
		search.candidate = hwnd
	}

	return 1
}

func findWindowByPID(pid uint32) win.HWND {
	enumWindowsLock.Lock()
	defer enumWindowsLock.Unlock()

	search := &windowSearch{pid: pid}
	enumWindowsTarget = search

	procEnumWindows.Call(enumWindowsCallback, 0)

	enumWindowsTarget = nil

	if search.topLevel != 0 {
		return search.topLevel
	}

	return search.candidate
}

func getWindowTitle(hwnd win.HWND) string {
	length, _, _ := procGetWindowTextLength.Call(uintptr(hwnd))
	if length == 0 {
		return ""
	}

	buf := make([]uint16, length+1)
	procGetWindowText.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))

	return windows.UTF16ToString(buf)
}
