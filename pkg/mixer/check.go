package mixer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
)

// Check loads the configuration and prints how every session of the default playback
// device would be classified, without changing any volume
func Check(logger *zap.SugaredLogger, configPath string, out io.Writer) error {
	logger = logger.Named("check")

	config, err := NewConfig(logger, newLogNotifier(logger), configPath)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	if err := config.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	values := config.Values()

	audio, err := newAudioSystem(logger, values.PollInterval)
	if err != nil {
		return fmt.Errorf("create audio system: %w", err)
	}
	defer audio.Release()

	return writeCheckReport(logger, values, audio, newProcessInspector(logger), out)
}

func writeCheckReport(logger *zap.SugaredLogger, values ConfigValues, audio AudioSystem, inspector ProcessInspector, out io.Writer) error {
	categories := newCategoryStore(logger)
	categories.load(values.Categories)

	fmt.Fprintln(out, "Categories:")
	for _, category := range categories.snapshot() {
		fmt.Fprintf(out, "  %s = %.2f\n", category.Name, category.Volume)
	}

	writeRules(out, "Rules", values.Rules)
	writeRules(out, "Device rules", values.DeviceRules)
	fmt.Fprintln(out)

	resolver := newIdentityResolver(logger, inspector, time.Now)

	device, err := audio.DefaultRenderDevice()
	if err != nil {
		return fmt.Errorf("get default render device: %w", err)
	}
	defer device.Release()

	desc := describeDevice(device)
	deviceCategory := Classify(desc.FriendlyName, desc.ID, values.DeviceRules)

	fmt.Fprintf(out, "Device: %s (%s)\n", desc.FriendlyName, desc.ID)
	if deviceCategory == IgnoreCategory {
		fmt.Fprintln(out, "Device is ignored, no session would be touched")
		return nil
	}
	if deviceCategory != "" {
		fmt.Fprintf(out, "Device category: %s\n", deviceCategory)
	}

	sessions, err := device.Sessions()
	if err != nil {
		return fmt.Errorf("enumerate sessions: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tCATEGORY\tCURRENT\tTARGET")

	for _, session := range sessions {
		displayName, applicationPath, _ := resolver.resolve(session)
		category := Classify(displayName, applicationPath, values.Rules)

		target := "-"
		switch {
		case category == IgnoreCategory:
			target = "ignored"
		case category == "":
			category = "(none)"
			target = fmt.Sprintf("%.2f", defaultVolume)
		default:
			if volume, err := categories.get(category); err == nil {
				target = fmt.Sprintf("%.2f", volume)
			} else {
				target = "undefined"
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", displayName, applicationPath, category, session.GetVolume(), target)
		session.Release()
	}

	return w.Flush()
}

func writeRules(out io.Writer, title string, rules []Rule) {
	if len(rules) == 0 {
		return
	}

	fmt.Fprintf(out, "%s:\n", title)
	for idx, rule := range rules {
		fmt.Fprintf(out, "  %d. %s\n", idx+1, rule)
	}
}
