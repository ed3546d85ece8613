//go:build linux

package main

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/rxbench/config"
	"github.com/romshark/rxbench/receiver"
)

func TestParseSeconds(t *testing.T) {
	d, err := parseSeconds("10")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	d, err = parseSeconds("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseSeconds("ten")
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	conf, level, err := loadConfig(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), conf)
	assert.Equal(t, "info", level)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rxbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: socket
interface: eth1
xdp:
  queue: 2
`), 0o600))

	conf, level, err := loadConfig([]string{
		"-config", path,
		"--mode", "af_xdp",
		"-i", "ens2",
		"--duration", "5",
		"-v",
		"-no-promisc",
		"-xdp-copy",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "af_xdp", conf.Mode)
	assert.Equal(t, "ens2", conf.Interface)
	assert.Equal(t, 5*time.Second, conf.Duration)
	assert.True(t, conf.Verbose)
	assert.False(t, conf.Promiscuous)
	assert.False(t, conf.XDP.PreferZerocopy)
	assert.Equal(t, uint32(2), conf.XDP.Queue, "kept from the file")
	assert.Equal(t, "debug", level)
}

func TestLoadConfigErrors(t *testing.T) {
	_, _, err := loadConfig([]string{"-h"}, io.Discard)
	assert.ErrorIs(t, err, flag.ErrHelp)

	_, _, err = loadConfig([]string{"--duration", "soon"}, io.Discard)
	assert.Error(t, err)

	_, _, err = loadConfig([]string{"--duration", "-3"}, io.Discard)
	assert.ErrorIs(t, err, config.ErrNegativeDuration)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("stdout closed") }

func TestFinishReleasesAfterPrintFailure(t *testing.T) {
	r, err := receiver.New(receiver.ModeCopy, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, finish(r, failingWriter{}, "eth0", nil, zaptest.NewLogger(t)))
	assert.Equal(t, receiver.StateReleased, r.State())
}

func TestFinishPrintsReport(t *testing.T) {
	r, err := receiver.New(receiver.ModeCopy, zaptest.NewLogger(t))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, finish(r, &buf, "eth0", nil, zaptest.NewLogger(t)))
	assert.NotEmpty(t, buf.String())
	assert.Equal(t, receiver.StateReleased, r.State())
}
