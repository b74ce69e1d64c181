package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	color.NoColor = true
	var out bytes.Buffer
	return &Logger{level, "test", &out, new(sync.Mutex)}, &out
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"e": Error, "WARN": Warn, "info": Info, "D": Debug, "trace": MaxLevel, "5": 5,
	} {
		level, err := parseLevel(s)
		assert.NoError(t, err, s)
		assert.Equal(t, want, level, s)
	}

	_, err := parseLevel("loud")
	assert.Error(t, err)
	_, err = parseLevel("12")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	log, out := newTestLogger(Info)

	log.Debug("hidden %d", 1)
	assert.Zero(t, out.Len())

	log.Warn("shown %d", 2)
	line := out.String()
	assert.Contains(t, line, "W/test[logger_test.go:")
	assert.True(t, strings.HasSuffix(line, "shown 2\n"))
}

func TestTagDirectives(t *testing.T) {
	saved, savedTags := defaultLevel, tagLevels
	defer func() { defaultLevel, tagLevels = saved, savedTags }()

	configure("debug,encoder=error, vcsim=7")
	assert.Equal(t, Debug, defaultLevel)
	assert.Equal(t, Error, determineLevel("encoder", Info))
	assert.Equal(t, Level(7), determineLevel("vcsim", Info))
	assert.Equal(t, Info, determineLevel("mmal", Info))
}

func TestSubLogger(t *testing.T) {
	log, out := newTestLogger(Debug)
	sub := log.Sub("port")
	assert.Equal(t, "test/port", sub.Tag)
	assert.True(t, sub.Enabled(Debug))

	sub.Info("hello")
	assert.Contains(t, out.String(), "I/test/port[")
}
