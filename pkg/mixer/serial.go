package mixer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

const (
	// HardwareChannelCount is the number of faders on the board
	HardwareChannelCount = 5

	defaultBaudRate = 9600

	// slots are drained at this rate; anything arriving faster collapses into the latest value
	hardwareTickInterval = 10 * time.Millisecond

	// InterCharacterTimeout for serial connection (milliseconds).
	// Reads return empty-handed after this long, which is when the reader checks for a stop request
	serialInterCharacterTimeout = 100

	// back off a little when the port keeps erroring so the reader doesn't spin
	serialErrorBackoff = 250 * time.Millisecond

	// a "line" longer than this without a newline is garbage, flush it
	maxSerialLineLength = 256

	// marks a slot with no pending value; never produced by math.Float32bits of a parsed volume
	emptySlot = math.MaxUint32
)

var (
	errNoData        = errors.New("no data available")
	errMalformedLine = errors.New("malformed fader line")

	ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

func stripANSI(s string) string {
	return ansiRegexp.ReplaceAllString(s, "")
}

// Transport is a line-oriented connection to the fader board
type Transport interface {
	// ReadLine blocks until a line arrives or the read times out, in which case it returns errNoData
	ReadLine() (string, error)
	Close() error
}

// TransportOpener opens a Transport on the given port
type TransportOpener func(port string, baudRate uint) (Transport, error)

type serialTransport struct {
	conn io.ReadWriteCloser
	buf  []byte
}

// OpenSerialTransport opens a serial port with go-serial
func OpenSerialTransport(port string, baudRate uint) (Transport, error) {
	options := serial.OpenOptions{
		PortName:              port,
		BaudRate:              baudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}

	conn, err := serial.Open(options)
	if err != nil {
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "access is denied") || strings.Contains(errMsg, "permission denied") {
			return nil, fmt.Errorf("serial port %s is busy or access denied: %w", port, err)
		}
		if strings.Contains(errMsg, "no such file") || strings.Contains(errMsg, "cannot find") {
			return nil, fmt.Errorf("serial port %s does not exist: %w", port, err)
		}
		return nil, fmt.Errorf("open serial port %s: %w", port, err)
	}

	return &serialTransport{conn: conn}, nil
}

func (t *serialTransport) ReadLine() (string, error) {
	chunk := make([]byte, 64)

	for {
		if idx := bytes.IndexByte(t.buf, '\n'); idx >= 0 {
			line := string(t.buf[:idx])
			t.buf = append(t.buf[:0], t.buf[idx+1:]...)
			return line, nil
		}

		if len(t.buf) > maxSerialLineLength {
			line := string(t.buf)
			t.buf = t.buf[:0]
			return line, nil
		}

		n, err := t.conn.Read(chunk)
		if n > 0 {
			t.buf = append(t.buf, chunk[:n]...)
			continue
		}

		// with a read timeout set, an empty read (reported as EOF on unix) just means nothing arrived
		if err == nil || errors.Is(err, io.EOF) {
			return "", errNoData
		}

		return "", fmt.Errorf("read serial: %w", err)
	}
}

func (t *serialTransport) Close() error {
	return t.conn.Close()
}

// parseFaderLine parses "<letter><separator><percent>" into a channel index and a volume
func parseFaderLine(line string) (int, float32, error) {
	trimmed := strings.TrimSpace(stripANSI(line))
	if len(trimmed) < 3 {
		return 0, 0, errMalformedLine
	}

	channel := int(trimmed[0]) - 'A'
	if channel < 0 || channel >= HardwareChannelCount {
		return 0, 0, fmt.Errorf("channel %q out of range: %w", trimmed[0], errMalformedLine)
	}

	percent, err := strconv.Atoi(strings.TrimSpace(trimmed[2:]))
	if err != nil {
		return 0, 0, fmt.Errorf("parse percent: %w", errMalformedLine)
	}

	if percent < 0 || percent > 100 {
		return 0, 0, fmt.Errorf("percent %d out of range: %w", percent, errMalformedLine)
	}

	return channel, float32(percent) / 100, nil
}

// hardwareBridge reads fader positions off the board and forwards the latest value
// per channel, at most once per tick
type hardwareBridge struct {
	logger *zap.SugaredLogger

	transport Transport
	channels  [HardwareChannelCount]string
	slots     [HardwareChannelCount]atomic.Uint32
	onUpdate  func(category string, volume float32)
	tick      time.Duration

	stopChannel chan struct{}
	stopping    atomic.Bool
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// startHardwareBridge opens the transport and starts the reader and tick goroutines.
// A transport that fails to open is returned as an error; the caller runs without hardware
func startHardwareBridge(
	logger *zap.SugaredLogger,
	open TransportOpener,
	config HardwareConfig,
	onUpdate func(category string, volume float32),
) (*hardwareBridge, error) {
	logger = logger.Named("hardware")

	baudRate := config.BaudRate
	if baudRate <= 0 {
		baudRate = defaultBaudRate
	}

	logger.Debugw("Attempting serial connection", "port", config.Port, "baud", baudRate)

	transport, err := open(config.Port, uint(baudRate))
	if err != nil {
		return nil, fmt.Errorf("open hardware transport: %w", err)
	}

	b := &hardwareBridge{
		logger:      logger,
		transport:   transport,
		onUpdate:    onUpdate,
		tick:        hardwareTickInterval,
		stopChannel: make(chan struct{}),
	}

	for idx := range b.slots {
		b.slots[idx].Store(emptySlot)
		if idx < len(config.Channels) {
			b.channels[idx] = config.Channels[idx]
		}
	}

	b.wg.Add(2)
	go b.readLoop()
	go b.tickLoop()

	logger.Infow("Connected to hardware", "port", config.Port, "baud", baudRate, "channels", b.channels)

	return b, nil
}

func (b *hardwareBridge) readLoop() {
	defer b.wg.Done()

	for !b.stopping.Load() {
		line, err := b.transport.ReadLine()
		if err != nil {
			if errors.Is(err, errNoData) {
				continue
			}

			b.logger.Debugw("Serial read error", "error", err)

			select {
			case <-b.stopChannel:
				return
			case <-time.After(serialErrorBackoff):
			}
			continue
		}

		b.handleLine(line)
	}
}

func (b *hardwareBridge) handleLine(line string) {
	channel, volume, err := parseFaderLine(line)
	if err != nil {
		b.logger.Debugw("Discarding serial line", "line", line, "error", err)
		return
	}

	// last write wins, an unconsumed previous value is simply replaced
	b.slots[channel].Store(math.Float32bits(volume))
}

func (b *hardwareBridge) tickLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChannel:
			return
		case <-ticker.C:
			b.drain()
		}
	}
}

// drain forwards every pending slot value, clearing the slot in the same atomic step
func (b *hardwareBridge) drain() int {
	forwarded := 0

	for idx := range b.slots {
		bits := b.slots[idx].Swap(emptySlot)
		if bits == emptySlot {
			continue
		}

		category := b.channels[idx]
		if category == "" {
			b.logger.Debugw("Fader moved on an unmapped channel", "channel", idx)
			continue
		}

		b.onUpdate(category, math.Float32frombits(bits))
		forwarded++
	}

	return forwarded
}

// stop signals both goroutines, waits for them, and only then closes the transport
func (b *hardwareBridge) stop() {
	b.stopOnce.Do(func() {
		b.logger.Debug("Shutting down hardware bridge")

		b.stopping.Store(true)
		close(b.stopChannel)
		b.wg.Wait()

		if err := b.transport.Close(); err != nil {
			b.logger.Warnw("Failed to close serial connection", "error", err)
		} else {
			b.logger.Info("Serial connection closed")
		}
	})
}
