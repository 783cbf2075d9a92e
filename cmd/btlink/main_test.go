//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btlink/internal/connmgr"
	"btlink/internal/connmgr/connmgrtest"
	"btlink/internal/discovery"
	"btlink/internal/logging"
	"btlink/internal/registry"
	"btlink/internal/session"
)

func newTestApp(t *testing.T) (*app, *connmgrtest.Adapter) {
	t.Helper()
	a := connmgrtest.NewAdapter()
	reg := registry.New()
	return &app{
		reg:  reg,
		disc: discovery.New(a, a, reg, discovery.DefaultConfig(), logging.Nop()),
	}, a
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "could not start discovery", userMessage(fmt.Errorf("session: %w", connmgr.ErrRadioUnavailable)))
	assert.Equal(t, "could not start discovery", userMessage(fmt.Errorf("%w: %w", discovery.ErrStartFailed, errors.New("org.bluez.Error.NotReady"))))
	assert.Equal(t, "a connection attempt is already in progress", userMessage(session.ErrSessionBusy))
	assert.Equal(t, "could not connect to device", userMessage(&connmgr.TransportError{Op: "connect", Err: errors.New("x")}))
	assert.Equal(t, "connection closed unexpectedly", userMessage(&connmgr.TransportError{Op: "accept", Err: errors.New("x")}))
	assert.Equal(t, "failed", userMessage(errors.New("other")))
}

func TestWatchReportsRadioUnavailable(t *testing.T) {
	a, radio := newTestApp(t)
	radio.SetPowered(false)

	err := a.watch(context.Background())
	assert.ErrorIs(t, err, connmgr.ErrRadioUnavailable)
	assert.Equal(t, "could not start discovery", userMessage(err))
}

func TestWatchReportsSubscribeFailure(t *testing.T) {
	a, radio := newTestApp(t)
	boom := errors.New("org.freedesktop.DBus.Error.AccessDenied")
	radio.EventsErr = boom

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.watch(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, discovery.ErrStartFailed)
}

func TestWatchStopsQuietlyOnContext(t *testing.T) {
	a, radio := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.watch(ctx))
	assert.False(t, radio.Discovering())
}

func TestRunConnectReportsScanFailure(t *testing.T) {
	a, radio := newTestApp(t)
	radio.SetPowered(false)

	err := a.runConnect(context.Background(), "")
	assert.ErrorIs(t, err, discovery.ErrStartFailed)
}

func TestReadIndex(t *testing.T) {
	i, err := readIndex(bufio.NewReader(strings.NewReader("x\n9\n1\n")), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	i, err = readIndex(bufio.NewReader(strings.NewReader("2")), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, i)
}

func TestReadIndexStopsAtEOF(t *testing.T) {
	_, err := readIndex(bufio.NewReader(strings.NewReader("nope\n")), 3)
	assert.ErrorIs(t, err, io.EOF)

	_, err = readIndex(bufio.NewReader(strings.NewReader("")), 3)
	assert.ErrorIs(t, err, io.EOF)
}
