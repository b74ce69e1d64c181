package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/mp4"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/mmal/encoder"
)

func writeConfig(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "mmalcam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
mode: circular
output: clip.h264
width: 640
height: 480
intra_period: 60
seconds: 20s
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, modeCircular, cfg.Mode)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 60, cfg.IntraPeriod)
	assert.Equal(t, 20*time.Second, cfg.Seconds)

	// Defaults fill what the file leaves out.
	assert.Equal(t, 30, cfg.Framerate)
	assert.True(t, *cfg.Realtime)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "widht: 640\n"))
	assert.Error(t, err)
}

func TestEmptyConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, modeVideo, cfg.Mode)
	assert.Error(t, cfg.validate(), "no output")
}

func TestFlagsOverrideConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.IntVarP(&flagWidth, "width", "x", 1280, "")
	fs.StringVarP(&flagOutput, "output", "o", "", "")
	fs.IntVarP(&flagHeight, "height", "y", 720, "")
	require.NoError(t, fs.Parse([]string{"-x", "320", "--output=still.png"}))

	cfg, err := loadConfig(writeConfig(t, "width: 640\nheight: 480\nmode: still\n"))
	require.NoError(t, err)
	applyFlags(fs, &cfg)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 480, cfg.Height, "unset flags leave the file's value")
	assert.Equal(t, "still.png", cfg.Output)

	v, err := variantFor(cfg)
	require.NoError(t, err)
	assert.Equal(t, encoder.PNG, v)
}

func TestRunMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	off := false
	cfg := Config{Output: path, Width: 64, Height: 48, Duration: 200 * time.Millisecond, Realtime: &off}
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	streams, err := mp4.NewDemuxer(f).Streams()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, av.H264, streams[0].Type())

	cfg.Mode = modeCircular
	assert.Error(t, cfg.validate())
}

func TestRunStill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.bmp")
	off := false
	cfg := Config{Mode: modeStill, Output: path, Width: 64, Height: 48, Realtime: &off}
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "BM", string(data[:2]))
}

func TestRunCircular(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.h264")
	off := false
	cfg := Config{
		Mode:        modeCircular,
		Output:      path,
		Width:       64,
		Height:      48,
		IntraPeriod: 10,
		Bitrate:     100000,
		Duration:    200 * time.Millisecond,
		Seconds:     time.Second,
		Realtime:    &off,
	}
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1}, data[:4])
}

func TestRunCircularToStdout(t *testing.T) {
	var out bytes.Buffer
	stdout = &out
	defer func() { stdout = os.Stdout }()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	off := false
	cfg := Config{
		Mode:        modeCircular,
		Output:      "-",
		Width:       64,
		Height:      48,
		IntraPeriod: 10,
		Bitrate:     100000,
		Duration:    200 * time.Millisecond,
		Seconds:     time.Second,
		Realtime:    &off,
	}
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg))

	require.Greater(t, out.Len(), 4)
	assert.Equal(t, []byte{0, 0, 0, 1}, out.Bytes()[:4])
	_, err = os.Stat(filepath.Join(dir, "-"))
	assert.True(t, os.IsNotExist(err), "no file named -")
}
