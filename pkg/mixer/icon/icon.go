// Package icon holds the tray and notification artwork
package icon

import (
	_ "embed"
)

// MixerLogo is the application icon, in .ico format
//
//go:embed logo.ico
var MixerLogo []byte
