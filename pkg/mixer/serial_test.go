package mixer

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	lines chan string

	reading       atomic.Int32
	closed        atomic.Bool
	closedReading atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan string, 16)}
}

func (f *fakeTransport) ReadLine() (string, error) {
	f.reading.Add(1)
	defer f.reading.Add(-1)

	select {
	case line := <-f.lines:
		return line, nil
	case <-time.After(5 * time.Millisecond):
		return "", errNoData
	}
}

func (f *fakeTransport) Close() error {
	if f.reading.Load() > 0 {
		f.closedReading.Store(true)
	}
	f.closed.Store(true)

	return nil
}

type updateRecorder struct {
	mu      sync.Mutex
	updates map[string][]float32
}

func newUpdateRecorder() *updateRecorder {
	return &updateRecorder{updates: map[string][]float32{}}
}

func (r *updateRecorder) record(category string, volume float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates[category] = append(r.updates[category], volume)
}

func (r *updateRecorder) get(category string) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]float32(nil), r.updates[category]...)
}

// idleBridge builds a bridge without starting its goroutines, so drain can be driven by hand
func idleBridge(t *testing.T, recorder *updateRecorder, channels ...string) *hardwareBridge {
	t.Helper()

	logger, _ := newObservedLogger()
	b := &hardwareBridge{
		logger:      logger,
		transport:   newFakeTransport(),
		onUpdate:    recorder.record,
		tick:        hardwareTickInterval,
		stopChannel: make(chan struct{}),
	}

	for idx := range b.slots {
		b.slots[idx].Store(emptySlot)
	}
	copy(b.channels[:], channels)

	return b
}

func TestParseFaderLine(t *testing.T) {
	tests := []struct {
		line    string
		channel int
		volume  float32
		wantErr bool
	}{
		{line: "A:75", channel: 0, volume: 0.75},
		{line: "C:75", channel: 2, volume: 0.75},
		{line: "E:100\r", channel: 4, volume: 1},
		{line: "B:0", channel: 1, volume: 0},
		{line: "\x1b[32mD:40\x1b[0m", channel: 3, volume: 0.4},
		{line: "F:10", wantErr: true},
		{line: "a:10", wantErr: true},
		{line: "A:101", wantErr: true},
		{line: "A:-1", wantErr: true},
		{line: "A:abc", wantErr: true},
		{line: "A:", wantErr: true},
		{line: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			channel, volume, err := parseFaderLine(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, errMalformedLine)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.channel, channel)
			assert.InDelta(t, tt.volume, volume, 0.0001)
		})
	}
}

// TestHardwareBridge_LastWriteWins verifies a burst within one tick collapses into a single update
func TestHardwareBridge_LastWriteWins(t *testing.T) {
	recorder := newUpdateRecorder()
	b := idleBridge(t, recorder, "System", "Browser")

	for _, line := range []string{"A:10", "A:30", "A:50", "A:75"} {
		b.handleLine(line)
	}

	assert.Equal(t, 1, b.drain())
	assert.Equal(t, []float32{0.75}, recorder.get("System"))

	assert.Zero(t, b.drain(), "a drained slot stays empty until the next line")
}

func TestHardwareBridge_ChannelMapping(t *testing.T) {
	recorder := newUpdateRecorder()
	b := idleBridge(t, recorder, "System", "Browser", "Game", "Music", "Voice Chat")

	b.handleLine("C:75")
	b.handleLine("E:20")
	b.drain()

	assert.Equal(t, []float32{0.75}, recorder.get("Game"))
	assert.Equal(t, []float32{0.2}, recorder.get("Voice Chat"))
	assert.Empty(t, recorder.get("System"))
}

func TestHardwareBridge_UnmappedChannelDropped(t *testing.T) {
	recorder := newUpdateRecorder()
	b := idleBridge(t, recorder, "System")

	b.handleLine("B:50")
	b.handleLine("garbage")

	assert.Zero(t, b.drain())
}

func TestHardwareBridge_ForwardsAndStops(t *testing.T) {
	logger, _ := newObservedLogger()
	transport := newFakeTransport()
	recorder := newUpdateRecorder()

	open := func(port string, baudRate uint) (Transport, error) {
		assert.Equal(t, "COM7", port)
		assert.Equal(t, uint(defaultBaudRate), baudRate)
		return transport, nil
	}

	b, err := startHardwareBridge(logger, open, HardwareConfig{Port: "COM7", Channels: []string{"System", "Music"}}, recorder.record)
	require.NoError(t, err)

	transport.lines <- "B:64"

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]float32{0.64}, recorder.get("Music"))
	}, time.Second, 5*time.Millisecond)

	b.stop()
	b.stop()

	assert.True(t, transport.closed.Load())
	assert.False(t, transport.closedReading.Load(), "transport must only close once the reader exited")
}

func TestHardwareBridge_OpenFailure(t *testing.T) {
	logger, _ := newObservedLogger()

	open := func(string, uint) (Transport, error) {
		return nil, errors.New("serial port COM9 does not exist")
	}

	b, err := startHardwareBridge(logger, open, HardwareConfig{Port: "COM9"}, func(string, float32) {})
	assert.Error(t, err)
	assert.Nil(t, b)
}

type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]

	return n, nil
}

func (r *chunkReader) Write(p []byte) (int, error) { return len(p), nil }
func (r *chunkReader) Close() error                { return nil }

func TestSerialTransport_ReadLine(t *testing.T) {
	transport := &serialTransport{conn: &chunkReader{chunks: []string{"A:5", "0\nB:1", "00\n"}}}

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "A:50", line)

	line, err = transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "B:100", line)

	_, err = transport.ReadLine()
	assert.ErrorIs(t, err, errNoData)
}
