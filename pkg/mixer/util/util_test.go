package util

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp01(t *testing.T) {
	tests := []struct {
		in      float32
		want    float32
		clamped bool
	}{
		{0.5, 0.5, false},
		{0, 0, false},
		{1, 1, false},
		{1.4, 1, true},
		{-0.1, 0, true},
		{float32(math.NaN()), 0, true},
	}

	for _, tt := range tests {
		got, clamped := Clamp01(tt.in)
		assert.Equal(t, tt.want, got, "Clamp01(%v)", tt.in)
		assert.Equal(t, tt.clamped, clamped, "Clamp01(%v)", tt.in)
	}
}

func TestVolumeEquals(t *testing.T) {
	assert.True(t, VolumeEquals(0.5, 0.5))
	assert.True(t, VolumeEquals(0.5, 0.5004))
	assert.False(t, VolumeEquals(0.5, 0.502))
}

func TestFileNameWithoutExt(t *testing.T) {
	assert.Equal(t, "chrome", FileNameWithoutExt(`C:\Program Files\Google\Chrome\chrome.exe`))
	assert.Equal(t, "firefox", FileNameWithoutExt("/usr/lib/firefox/firefox"))
	assert.Equal(t, "Spotify", FileNameWithoutExt("Spotify.exe"))
	assert.Equal(t, "", FileNameWithoutExt(""))
}

func TestEnsureDirExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "nested")

	require.NoError(t, EnsureDirExists(dir))
	require.NoError(t, EnsureDirExists(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.False(t, FileExists(dir), "directories are not files")

	file := filepath.Join(dir, "MixerMemory.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0644))
	assert.True(t, FileExists(file))
}
