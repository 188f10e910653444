package mixer

import (
	"fmt"
	"os"

	"github.com/getlantern/systray"

	"github.com/stalexteam/mixermemory/pkg/mixer/icon"
	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

const trayTitle = "MixerMemory"

func (m *Mixer) initializeTray(onDone func()) {
	logger := m.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.MixerLogo, icon.MixerLogo)
		systray.SetTitle(trayTitle)
		systray.SetTooltip(trayTitle)

		m.trayReady.Store(true)

		openLog := systray.AddMenuItem("Open log", "Open the log of this run")
		openConfig := systray.AddMenuItem("Edit configuration", "Open the config file for editing")
		reloadConfig := systray.AddMenuItem("Reload configuration", "Re-read the config file and apply it")

		systray.AddSeparator()

		restoreVolumes := systray.AddMenuItem("Restore volumes", "Apply category volumes to every audio session now")
		refreshDevice := systray.AddMenuItem("Re-detect audio device", "Pick up the default playback device again if something's stuck")

		if m.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(m.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop MixerMemory and quit")

		// wait on things to happen
		go func() {
			for {
				select {

				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					m.signalStop()

				case <-openLog.ClickedCh:
					logger.Info("Open log menu item clicked")

					if err := util.OpenExternal(logger, textViewer(), LogFilePath()); err != nil {
						logger.Warnw("Failed to open log file", "error", err)
					}

				case <-openConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := m.config.EnsureFile(); err != nil {
						logger.Warnw("Failed to create config file", "error", err)
						m.notifier.Notify("Can't create configuration!", err.Error())
						continue
					}

					if err := util.OpenExternal(logger, textViewer(), m.config.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-reloadConfig.ClickedCh:
					logger.Info("Reload config menu item clicked")

					// Reload notifies our own subscription, which applies the new values
					m.config.Reload()

				case <-restoreVolumes.ClickedCh:
					logger.Info("Restore volumes menu item clicked")

					if err := m.sessions.restoreAll(false); err != nil {
						logger.Warnw("Failed to restore volumes", "error", err)
					}

				case <-refreshDevice.ClickedCh:
					logger.Info("Re-detect device menu item clicked")

					m.monitor.Reclassify()
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (m *Mixer) setTrayStatus(state DeviceState, desc DeviceDescriptor) {
	if !m.trayReady.Load() {
		return
	}

	tooltip := fmt.Sprintf("%s: %s", trayTitle, state)
	if desc.FriendlyName != "" {
		tooltip = fmt.Sprintf("%s (%s)", tooltip, desc.FriendlyName)
	}

	systray.SetTooltip(tooltip)
}

func (m *Mixer) stopTray() {
	if !m.trayReady.Load() {
		return
	}

	m.logger.Debug("Quitting tray")
	systray.Quit()
}

func textViewer() string {
	if !util.Linux() {
		return "notepad.exe"
	}

	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}

	return "xdg-open"
}
