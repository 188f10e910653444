package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/stalexteam/mixermemory/pkg/mixer"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	configPath string
	verbose    bool
	noTray     bool
)

const lockFilename = "mixermemory.lock"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mixermemory",
		Short:         "Keep every application's volume at the level of its category",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", mixer.DefaultConfigPath, "path to the JSON config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging serial)")
	root.Flags().BoolVar(&noTray, "no-tray", false, "run without a tray icon")

	root.AddCommand(checkCmd())

	return root
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Print how the current sessions would be classified, without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := mixer.NewLogger(verbose)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer logger.Sync()

			return mixer.Check(logger, configPath, cmd.OutOrStdout())
		},
	}
}

func run() error {
	// first we need a logger
	logger, err := mixer.NewLogger(verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// only one instance may own the audio sessions and the serial port
	lock := flock.New(filepath.Join(os.TempDir(), lockFilename))
	locked, err := lock.TryLock()
	if err != nil {
		named.Errorw("Failed to acquire instance lock", "error", err)
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		named.Warn("Another instance is already running, exiting")
		return fmt.Errorf("another instance is already running")
	}

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// create the mixer instance
	m, err := mixer.NewMixer(logger, mixer.Options{
		ConfigPath: configPath,
		Verbose:    verbose,
		NoTray:     noTray,

		// the mixer exits the process itself, so the lock is released from its teardown
		OnStop: func() {
			if err := lock.Unlock(); err != nil {
				named.Warnw("Failed to release instance lock", "error", err)
			}
		},
	})
	if err != nil {
		named.Fatalw("Failed to create mixer object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		m.SetVersion(versionString)
	}

	// onwards, to glory
	if err = m.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mixer", "error", err)
	}

	return nil
}
