package mixer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

// HardwareConfig describes the fader board connection
type HardwareConfig struct {
	Port     string   `mapstructure:"Port"`
	BaudRate int      `mapstructure:"BaudRate"`
	Channels []string `mapstructure:"Channels"`
}

// ConfigValues is a consistent view of the configuration at one point in time
type ConfigValues struct {
	Categories  []Category
	Rules       []Rule
	DeviceRules []Rule

	Hardware HardwareConfig

	NewSessionDelay  time.Duration
	RestoreInterval  time.Duration
	DeviceRetryDelay time.Duration
	PollInterval     time.Duration

	RelayPort int

	// false when running on built-in defaults because no config file exists
	FromFile bool
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the configuration file
type CanonicalConfig struct {
	path string

	lock   sync.RWMutex
	values ConfigValues

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool
	stopOnce           sync.Once

	consumersLock   sync.Mutex
	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	// DefaultConfigPath is where the config lives unless told otherwise
	DefaultConfigPath = "MixerMemory.json"

	configType = "json"

	configKey_Categories       = "Categories"
	configKey_Rules            = "Rules"
	configKey_DeviceRules      = "DeviceRules"
	configKey_Hardware         = "Hardware"
	configKey_HardwarePort     = "Hardware.Port"
	configKey_HardwareBaudRate = "Hardware.BaudRate"
	configKey_HardwareChannels = "Hardware.Channels"
	configKey_NewSessionDelay  = "NewSessionDelayMs"
	configKey_RestoreInterval  = "RestoreIntervalSeconds"
	configKey_DeviceRetry      = "DeviceRetrySeconds"
	configKey_PollInterval     = "PollIntervalMs"
	configKey_RelayPort        = "RelayPort"

	default_HardwarePort           = "COM4"
	default_NewSessionDelayMs      = 1000
	default_RestoreIntervalSeconds = 300
	default_DeviceRetrySeconds     = 5
	default_PollIntervalMs         = 1000
	default_RelayPort              = 0

	defaultCategoryName = "System"
)

var default_HardwareChannels = []string{"System", "Browser", "Game", "Music", "Voice Chat"}

// NewConfig creates a config instance and sets up its viper instance
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	if path == "" {
		path = DefaultConfigPath
	}

	cc := &CanonicalConfig{
		path:               path,
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool, 1),
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(path)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKey_HardwarePort, default_HardwarePort)
	userConfig.SetDefault(configKey_HardwareBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKey_HardwareChannels, default_HardwareChannels)
	userConfig.SetDefault(configKey_NewSessionDelay, default_NewSessionDelayMs)
	userConfig.SetDefault(configKey_RestoreInterval, default_RestoreIntervalSeconds)
	userConfig.SetDefault(configKey_DeviceRetry, default_DeviceRetrySeconds)
	userConfig.SetDefault(configKey_PollInterval, default_PollIntervalMs)
	userConfig.SetDefault(configKey_RelayPort, default_RelayPort)

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "path", path)

	return cc, nil
}

// Path returns the config file location
func (cc *CanonicalConfig) Path() string {
	return cc.path
}

// Values returns the currently loaded configuration
func (cc *CanonicalConfig) Values() ConfigValues {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.values
}

// Load reads the config file from disk and tries to parse it. A missing file
// is not an error: the built-in single-category defaults are used instead
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	fromFile := util.FileExists(cc.path)

	if fromFile {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid JSON format.", cc.path))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check the logs for more details.")
			}
			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Infow("Config file not found, using defaults", "path", cc.path)
	}

	values, err := cc.populateFromViper(fromFile)
	if err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.lock.Lock()
	cc.values = values
	cc.lock.Unlock()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"categories", values.Categories,
		"rules", values.Rules,
		"deviceRules", values.DeviceRules,
		"hardware", values.Hardware,
		"newSessionDelay", values.NewSessionDelay,
		"restoreInterval", values.RestoreInterval,
		"relayPort", values.RelayPort,
	)

	return nil
}

func (cc *CanonicalConfig) populateFromViper(fromFile bool) (ConfigValues, error) {
	values := ConfigValues{FromFile: fromFile}

	var categories []Category
	var rules, deviceRules []RuleConfig

	if fromFile {
		if err := cc.userConfig.UnmarshalKey(configKey_Categories, &categories); err != nil {
			return values, fmt.Errorf("decode %s: %w", configKey_Categories, err)
		}
		if err := cc.userConfig.UnmarshalKey(configKey_Rules, &rules); err != nil {
			return values, fmt.Errorf("decode %s: %w", configKey_Rules, err)
		}
		if err := cc.userConfig.UnmarshalKey(configKey_DeviceRules, &deviceRules); err != nil {
			return values, fmt.Errorf("decode %s: %w", configKey_DeviceRules, err)
		}
	} else {
		categories = []Category{{Name: defaultCategoryName, Volume: defaultVolume}}
		rules = []RuleConfig{{Type: Always.String(), Category: defaultCategoryName}}
	}

	categoryNames := make([]string, 0, len(categories))
	for _, category := range categories {
		categoryNames = append(categoryNames, category.Name)
	}

	values.Categories = categories
	values.Rules = compileRules(cc.logger, configKey_Rules, rules, categoryNames)
	values.DeviceRules = compileRules(cc.logger, configKey_DeviceRules, deviceRules, categoryNames)

	if err := cc.userConfig.UnmarshalKey(configKey_Hardware, &values.Hardware); err != nil {
		return values, fmt.Errorf("decode %s: %w", configKey_Hardware, err)
	}

	// a blank name leaves its fader unmapped, positions must not shift
	channels := make([]string, len(values.Hardware.Channels))
	for idx, name := range values.Hardware.Channels {
		channels[idx] = strings.TrimSpace(name)
	}
	values.Hardware.Channels = channels
	if len(values.Hardware.Channels) > HardwareChannelCount {
		cc.logger.Warnw("More hardware channels configured than the board has, extra names are unused",
			"configured", len(values.Hardware.Channels), "available", HardwareChannelCount)
	}

	values.NewSessionDelay = time.Duration(cc.userConfig.GetInt(configKey_NewSessionDelay)) * time.Millisecond
	values.RestoreInterval = time.Duration(cc.userConfig.GetInt(configKey_RestoreInterval)) * time.Second
	values.DeviceRetryDelay = time.Duration(cc.userConfig.GetInt(configKey_DeviceRetry)) * time.Second
	values.PollInterval = time.Duration(cc.userConfig.GetInt(configKey_PollInterval)) * time.Millisecond
	values.RelayPort = cc.userConfig.GetInt(configKey_RelayPort)

	if values.DeviceRetryDelay <= 0 {
		values.DeviceRetryDelay = defaultDeviceRetryDelay
	}
	if values.PollInterval <= 0 {
		values.PollInterval = default_PollIntervalMs * time.Millisecond
	}

	cc.logger.Debug("Populated config fields from viper")

	return values, nil
}

// EnsureFile writes a starter config with the built-in defaults if none exists yet
func (cc *CanonicalConfig) EnsureFile() error {
	if util.FileExists(cc.path) {
		return nil
	}

	starter := map[string]interface{}{
		configKey_Categories:  []Category{{Name: defaultCategoryName, Volume: defaultVolume}},
		configKey_Rules:       []RuleConfig{{Type: Always.String(), Category: defaultCategoryName}},
		configKey_DeviceRules: []RuleConfig{},
		configKey_Hardware: HardwareConfig{
			Port:     default_HardwarePort,
			BaudRate: defaultBaudRate,
			Channels: default_HardwareChannels,
		},
		configKey_NewSessionDelay: default_NewSessionDelayMs,
		configKey_RestoreInterval: default_RestoreIntervalSeconds,
		configKey_DeviceRetry:     default_DeviceRetrySeconds,
		configKey_PollInterval:    default_PollIntervalMs,
		configKey_RelayPort:       default_RelayPort,
	}

	data, err := json.MarshalIndent(starter, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}

	if err := os.WriteFile(cc.path, data, 0644); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}

	cc.logger.Infow("Wrote starter config", "path", cc.path)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.consumersLock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersLock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen. It blocks until StopWatchingConfigFile
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	if !util.FileExists(cc.path) {
		cc.logger.Infow("No config file to watch", "path", cc.path)
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				cc.Reload()

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// Reload loads the config again and tells subscribers about it if that worked
func (cc *CanonicalConfig) Reload() error {
	if err := cc.Load(); err != nil {
		cc.logger.Warnw("Failed to reload config file", "error", err)
		return err
	}

	cc.logger.Info("Reloaded config successfully")
	cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

	cc.onConfigReloaded()

	return nil
}

// StopWatchingConfigFile signals our filesystem watcher to stop and closes subscriber channels
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopOnce.Do(func() {
		cc.stopWatcherChannel <- true
		cc.closeReloadChannels()
	})
}

func (cc *CanonicalConfig) closeReloadChannels() {
	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}
