package mixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

const (
	// clients reconnect after this many milliseconds
	relayRetryTimeout = 30000

	relayPingInterval = 10 * time.Second

	relayShutdownTimeout = 5 * time.Second

	relayCategoryPrefix = "category-"
	relayDeviceID       = "device"
)

// relayState is a single "state" event as seen by relay clients
type relayState struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value,omitempty"`
	State string      `json:"state,omitempty"`
}

func categoryState(name string, volume float32) relayState {
	return relayState{
		ID:    relayCategoryPrefix + name,
		Value: int(math.Round(float64(volume) * 100)),
	}
}

func deviceRelayState(state DeviceState, desc DeviceDescriptor) relayState {
	rs := relayState{ID: relayDeviceID, State: state.String()}
	if desc.FriendlyName != "" {
		rs.Value = desc.FriendlyName
	}

	return rs
}

// relayServer publishes category volumes and the device state over server-sent events,
// so dashboards and other tools can follow what the engine is doing
type relayServer struct {
	logger   *zap.SugaredLogger
	manager  *eventsource.ConnectionManager
	snapshot func() []relayState

	lock        sync.Mutex
	server      *http.Server
	port        int
	stopChannel chan struct{}

	running atomic.Bool
	eventID atomic.Int64
}

func newRelayServer(logger *zap.SugaredLogger, snapshot func() []relayState) *relayServer {
	logger = logger.Named("relay")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("Relay client connected", "remote", encoder.RemoteAddr(), "path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("Relay client disconnected", "remote", encoder.RemoteAddr(), "path", encoder.Path())
	})

	rs := &relayServer{
		logger:   logger,
		manager:  manager,
		snapshot: snapshot,
	}

	logger.Debug("Created relay server instance")

	return rs
}

// apply starts, restarts or stops the server so it matches port. Zero or less means off
func (rs *relayServer) apply(port int) error {
	rs.lock.Lock()
	current := rs.port
	rs.lock.Unlock()

	if rs.running.Load() && current == port {
		return nil
	}

	if rs.running.Load() {
		rs.logger.Infow("Relay port changed", "old", current, "new", port)
		rs.stop()
	}

	if port <= 0 {
		rs.logger.Debug("Relay port not configured, relay stays off")
		return nil
	}

	return rs.start(port)
}

func (rs *relayServer) start(port int) error {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	stopChannel := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/", rs.handler(stopChannel))

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// bind here so a busy port reaches the caller instead of a log line
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		rs.logger.Warnw("Failed to bind relay port", "addr", addr, "error", err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	rs.server = server
	rs.port = port
	rs.stopChannel = stopChannel
	rs.running.Store(true)

	go func() {
		rs.logger.Infow("Starting relay server", "addr", addr)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.logger.Errorw("Relay server error", "error", err)
			rs.stop()
		}
	}()

	go rs.pingLoop(stopChannel)

	return nil
}

func (rs *relayServer) stop() {
	if !rs.running.Swap(false) {
		return
	}

	rs.lock.Lock()
	defer rs.lock.Unlock()

	rs.logger.Debug("Stopping relay server")

	close(rs.stopChannel)

	rs.manager.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
	defer cancel()

	if err := rs.server.Shutdown(ctx); err != nil {
		rs.logger.Warnw("Error during relay server shutdown", "error", err)
		rs.server.Close()
	}

	rs.server = nil
	rs.port = 0

	rs.logger.Info("Relay server stopped")
}

// handler greets every client with the retry timeout, a ping and the full state, then keeps
// the connection open for broadcasts until the client leaves or stopChannel closes
func (rs *relayServer) handler(stopChannel chan struct{}) http.Handler {
	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(relayRetryTimeout); err != nil {
			rs.logEncodeError("retry", err)
			return
		}

		if err := encoder.Encode(rs.pingEvent()); err != nil {
			rs.logEncodeError("ping", err)
			return
		}

		for _, state := range rs.snapshot() {
			event, err := rs.stateEvent(state)
			if err != nil {
				continue
			}

			if err := encoder.Encode(event); err != nil {
				rs.logEncodeError("state", err)
				return
			}
		}

		select {
		case <-stop:
		case <-stopChannel:
		}
	})

	managed := eventsource.HandlerWithManager(rs.manager, handler)

	return http.HandlerFunc(managed.ServeHTTP)
}

// publish broadcasts a state change to every connected client
func (rs *relayServer) publish(state relayState) {
	if !rs.running.Load() {
		return
	}

	event, err := rs.stateEvent(state)
	if err != nil {
		return
	}

	if err := rs.manager.Broadcast(event); err != nil && eventsource.IsConnectionError(err) {
		rs.logger.Debugw("Some relay connections failed during broadcast", "error", err)
	}
}

func (rs *relayServer) pingLoop(stopChannel chan struct{}) {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChannel:
			return
		case <-ticker.C:
			if err := rs.manager.Broadcast(rs.pingEvent()); err != nil && eventsource.IsConnectionError(err) {
				rs.logger.Debugw("Some relay connections failed during ping", "error", err)
			}
		}
	}
}

func (rs *relayServer) nextID() string {
	return strconv.FormatInt(rs.eventID.Add(1), 10)
}

func (rs *relayServer) stateEvent(state relayState) (eventsource.Event, error) {
	data, err := json.Marshal(state)
	if err != nil {
		rs.logger.Warnw("Failed to marshal relay state", "error", err, "id", state.ID)
		return eventsource.Event{}, fmt.Errorf("marshal relay state: %w", err)
	}

	return eventsource.Event{ID: rs.nextID(), Type: "state", Data: data}, nil
}

func (rs *relayServer) pingEvent() eventsource.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"title":   "MixerMemory",
		"clients": rs.manager.Count(),
	})

	return eventsource.Event{ID: rs.nextID(), Type: "ping", Data: data}
}

func (rs *relayServer) logEncodeError(what string, err error) {
	if eventsource.IsConnectionError(err) {
		rs.logger.Debugw("Relay client went away", "sending", what, "error", err)
		return
	}

	rs.logger.Debugw("Failed to send relay event", "sending", what, "error", err)
}
