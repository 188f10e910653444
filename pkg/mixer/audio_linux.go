package mixer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

const (
	paClientName = "MixerMemory"

	paPropApplicationName = "application.name"
	paPropProcessBinary   = "application.process.binary"
	paPropProcessID       = "application.process.id"
	paPropMediaRole       = "media.role"
	paPropDescription     = "device.description"

	// streams with this role are notification and UI sounds
	paSystemSoundsRole = "event"
)

var errNoChannels = errors.New("stream reports no channels")

type paAudioSystem struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	pollInterval time.Duration
	poller       *devicePoller
}

func newAudioSystem(logger *zap.SugaredLogger, pollInterval time.Duration) (AudioSystem, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			paPropApplicationName: proto.PropListString(paClientName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	as := &paAudioSystem{
		logger:        logger.Named("audio"),
		sessionLogger: logger.Named("sessions"),
		client:        client,
		conn:          conn,
		pollInterval:  pollInterval,
	}

	as.poller = newDevicePoller(as.logger, pollInterval, as.snapshot)
	as.poller.start()

	as.logger.Debug("Created PA audio system instance")

	return as, nil
}

func (as *paAudioSystem) snapshot() (deviceSnapshot, error) {
	serverRequest := proto.GetServerInfo{}
	serverReply := proto.GetServerInfoReply{}

	if err := as.client.Request(&serverRequest, &serverReply); err != nil {
		return deviceSnapshot{}, fmt.Errorf("get server info: %w", err)
	}

	sinkRequest := proto.GetSinkInfoList{}
	sinkReply := proto.GetSinkInfoListReply{}

	if err := as.client.Request(&sinkRequest, &sinkReply); err != nil {
		return deviceSnapshot{}, fmt.Errorf("get sink list: %w", err)
	}

	states := make(map[string]string, len(sinkReply))
	for _, sink := range sinkReply {
		if sink == nil {
			continue
		}
		states[sink.SinkName] = deviceStatePresent
	}

	return deviceSnapshot{defaultID: serverReply.DefaultSinkName, states: states}, nil
}

func (as *paAudioSystem) DefaultRenderDevice() (Device, error) {
	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
	}
	reply := proto.GetSinkInfoReply{}

	if err := as.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get default sink info: %w", err)
	}

	description := reply.SinkName
	if prop, ok := reply.Properties[paPropDescription]; ok && prop.String() != "" {
		description = prop.String()
	}

	d := &paDevice{
		logger:        as.logger.Named("device"),
		sessionLogger: as.sessionLogger,
		client:        as.client,
		sinkIndex:     reply.SinkIndex,
		sinkName:      reply.SinkName,
		description:   description,
		channels:      reply.Channels,
	}
	d.watcher = newSessionWatcher(d.logger, as.pollInterval, d.Sessions)

	d.logger.Debugw("Acquired default sink", "sink", d.sinkName, "description", d.description)

	return d, nil
}

func (as *paAudioSystem) RegisterObserver(observer DeviceObserver) func() {
	return as.poller.register(observer)
}

func (as *paAudioSystem) Release() error {
	as.poller.stop()

	if err := as.conn.Close(); err != nil {
		as.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	as.logger.Debug("Released PA audio system instance")

	return nil
}

type paDevice struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	client *proto.Client

	sinkIndex   uint32
	sinkName    string
	description string
	channels    byte

	watcher *sessionWatcher
}

func (d *paDevice) ID() string {
	return d.sinkName
}

func (d *paDevice) FriendlyName() string {
	return d.description
}

func (d *paDevice) GetVolume() float32 {
	request := proto.GetSinkInfo{
		SinkIndex: d.sinkIndex,
	}
	reply := proto.GetSinkInfoReply{}

	if err := d.client.Request(&request, &reply); err != nil {
		d.logger.Warnw("Failed to get sink volume", "error", err)
		return 0
	}

	return parseChannelVolumes(reply.ChannelVolumes)
}

func (d *paDevice) SetVolume(v float32) error {
	request := proto.SetSinkVolume{
		SinkIndex:      d.sinkIndex,
		ChannelVolumes: createChannelVolumes(d.channels, v),
	}

	if err := d.client.Request(&request, nil); err != nil {
		d.logger.Warnw("Failed to set sink volume", "error", err, "volume", v)
		return fmt.Errorf("adjust sink volume: %w", err)
	}

	d.logger.Debugw("Adjusting sink volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

// RefreshSessions is a no-op: PulseAudio always answers with the live sink input list
func (d *paDevice) RefreshSessions() error {
	return nil
}

func (d *paDevice) Sessions() ([]Session, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := d.client.Request(&request, &reply); err != nil {
		d.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	sessions := []Session{}

	for _, info := range reply {
		if info == nil || info.SinkIndex != d.sinkIndex {
			continue
		}

		sessions = append(sessions, newPASession(d.sessionLogger, d.client, d.sinkName, info))
	}

	return sessions, nil
}

func (d *paDevice) OnSessionCreated(callback func(Session)) func() {
	return d.watcher.subscribe(callback)
}

func (d *paDevice) Release() {
	d.logger.Debugw("Releasing sink", "sink", d.sinkName)
}

type paSession struct {
	baseSession

	client *proto.Client

	sinkInputIndex    uint32
	sinkInputChannels byte
}

func newPASession(
	logger *zap.SugaredLogger,
	client *proto.Client,
	sinkName string,
	info *proto.GetSinkInputInfoReply,
) *paSession {

	s := &paSession{
		client:            client,
		sinkInputIndex:    info.SinkInputIndex,
		sinkInputChannels: info.Channels,
	}

	s.identifier = fmt.Sprintf("%s|%d", sinkName, info.SinkInputIndex)

	if prop, ok := info.Properties[paPropApplicationName]; ok {
		s.displayName = prop.String()
	}

	if prop, ok := info.Properties[paPropProcessID]; ok {
		if pid, err := strconv.ParseUint(prop.String(), 10, 32); err == nil {
			s.pid = uint32(pid)
		}
	}

	if prop, ok := info.Properties[paPropMediaRole]; ok && prop.String() == paSystemSoundsRole {
		s.system = true
	}

	binary := ""
	if prop, ok := info.Properties[paPropProcessBinary]; ok {
		binary = prop.String()
	}
	s.humanReadableDesc = fmt.Sprintf("%s (sink input %d, pid %d)", binary, info.SinkInputIndex, s.pid)

	s.logger = logger
	s.logger.Debugw(sessionCreationLogMessage, "session", s.humanReadableDesc, "name", s.displayName)

	return s
}

func (s *paSession) GetVolume() float32 {
	request := proto.GetSinkInputInfo{
		SinkInputIndex: s.sinkInputIndex,
	}
	reply := proto.GetSinkInputInfoReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get session volume", "session", s.humanReadableDesc, "error", err)
		return 0
	}

	return parseChannelVolumes(reply.ChannelVolumes)
}

func (s *paSession) SetVolume(v float32) error {
	if s.sinkInputChannels == 0 {
		return errNoChannels
	}

	request := proto.SetSinkInputVolume{
		SinkInputIndex: s.sinkInputIndex,
		ChannelVolumes: createChannelVolumes(s.sinkInputChannels, v),
	}

	if err := s.client.Request(&request, nil); err != nil {
		s.logger.Warnw("Failed to set session volume", "session", s.humanReadableDesc, "error", err)
		return fmt.Errorf("adjust session volume: %w", err)
	}

	s.logger.Debugw("Adjusting session volume", "session", s.humanReadableDesc, "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *paSession) Release() {}

func (s *paSession) String() string {
	return describeSession(s.humanReadableDesc, s.GetVolume())
}

func createChannelVolumes(channels byte, volume float32) []uint32 {
	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(volume * maxVolume)
	}

	return volumes
}

func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint32

	for _, volume := range volumes {
		level += volume
	}

	return float32(level) / float32(len(volumes)) / float32(maxVolume)
}
