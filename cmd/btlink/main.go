//go:build linux

// btlink discovers nearby Bluetooth peers and opens RFCOMM sessions to or
// from them through BlueZ (Linux only).
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Most environments require sudo for RegisterProfile.
//
// Modes
//
//  1. Scan and print the device list as it changes:
//     btlink -mode=scan -timeout=15s
//  2. List bonded devices:
//     btlink -mode=bonded
//  3. Accept inbound sessions until the timeout:
//     sudo btlink -mode=listen -timeout=120s
//  4. Connect to a device (scan then choose when -device is empty):
//     sudo btlink -mode=connect -device AA:BB:CC:DD:EE:FF -timeout=60s
//
// Settings come from btlink.yaml (or -config) and BTLINK_* variables.
// Exit/Ctrl-C cancels via context.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"btlink/internal/config"
	"btlink/internal/connmgr"
	"btlink/internal/discovery"
	"btlink/internal/logging"
	"btlink/internal/registry"
	"btlink/internal/session"
)

func main() {
	mode := flag.String("mode", "scan", "mode: scan|bonded|listen|connect")
	cfgPath := flag.String("config", "", "config file (default: ./btlink.yaml or /etc/btlink/btlink.yaml)")
	device := flag.String("device", "", "device address to connect (connect mode). If empty, scan and prompt.")
	timeout := flag.Duration("timeout", 15*time.Second, "operation timeout")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.WithComponent("btlink")

	// Context with timeout + Ctrl-C cancellation
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	app, err := newApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer app.close(log)

	switch strings.ToLower(*mode) {
	case "scan":
		err = app.runScan(ctx)
	case "bonded":
		err = app.runBonded()
	case "listen", "server":
		err = app.runListen(ctx)
	case "connect":
		err = app.runConnect(ctx, *device)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}
	if err != nil {
		log.Error().Err(err).Str("mode", *mode).Msg(userMessage(err))
		app.close(log)
		os.Exit(1)
	}
}

// app wires the core components around one BlueZ manager.
type app struct {
	mgr  *connmgr.Manager
	reg  *registry.Registry
	disc *discovery.Controller
	sup  *session.Supervisor
}

func newApp(cfg config.Config) (*app, error) {
	mgr, err := connmgr.New(connmgr.Options{
		Adapter: cfg.Adapter,
		Logger:  logging.WithComponent("connmgr"),
	})
	if err != nil {
		return nil, err
	}
	if cfg.PowerOn && !mgr.Enabled() {
		if err := mgr.PowerOn(); err != nil {
			_ = mgr.Close()
			return nil, err
		}
	}
	reg := registry.New()
	return &app{
		mgr:  mgr,
		reg:  reg,
		disc: discovery.New(mgr, mgr, reg, cfg.Discovery(), logging.WithComponent("discovery")),
		sup:  session.NewSupervisor(mgr, mgr, reg, cfg.Supervisor(), logging.WithComponent("session")),
	}, nil
}

func (a *app) close(log zerolog.Logger) {
	if err := a.sup.Close(); err != nil {
		log.Warn().Err(err).Msg("supervisor close")
	}
	if err := a.mgr.Close(); err != nil {
		log.Warn().Err(err).Msg("manager close")
	}
}

// watch runs discovery, printing the registry on every change, until ctx is
// done. Failures to start or subscribe are returned.
func (a *app) watch(ctx context.Context) error {
	if err := a.disc.LoadBonded(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.disc.Run(ctx) }()
	if err := a.disc.Start(); err != nil {
		return err
	}
	defer func() { _ = a.disc.Stop() }()
	for {
		changed := a.reg.Changed()
		printDevices(a.reg.Snapshot())
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("discovery: event stream closed")
			}
			return err
		case <-changed:
		}
	}
}

func (a *app) runScan(ctx context.Context) error {
	return a.watch(ctx)
}

func (a *app) runBonded() error {
	if err := a.disc.LoadBonded(); err != nil {
		return err
	}
	devs := a.reg.Snapshot()
	if len(devs) == 0 {
		fmt.Println("no bonded devices")
		return nil
	}
	printDevices(devs)
	return nil
}

func (a *app) runListen(ctx context.Context) error {
	if err := a.sup.Listen(ctx); err != nil {
		return err
	}
	fmt.Printf("Waiting for incoming connections (timeout=%s)...\n", deadlineStr(ctx))
	seen := map[*session.Session]bool{}
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-a.sup.Errors():
			return err
		case <-tick.C:
			for _, s := range a.sup.Inbound() {
				if !seen[s] {
					seen[s] = true
					fmt.Printf("ACCEPTED: peer=%s state=%s\n", s.PeerAddress(), s.State())
				}
			}
		}
	}
}

func (a *app) runConnect(ctx context.Context, addr string) error {
	if addr == "" {
		// Scan and interactively choose
		fmt.Println("Scanning for devices to choose...")
		scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.watch(scanCtx)
		cancel()
		if err != nil {
			return err
		}
		devs := a.reg.Snapshot()
		if len(devs) == 0 {
			fmt.Println("no devices found")
			return nil
		}
		printDevices(devs)
		fmt.Print("Choose index: ")
		i, err := readIndex(bufio.NewReader(os.Stdin), len(devs))
		if err != nil {
			return err
		}
		addr = devs[i].Address
	}
	fmt.Printf("Connecting to %s (timeout=%s)...\n", addr, deadlineStr(ctx))
	sess, err := a.sup.Connect(addr)
	if err != nil {
		return err
	}
	st, err := sess.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: peer=%s\n", strings.ToUpper(st.String()), sess.PeerAddress())
	if st != session.StateConnected {
		return nil
	}
	select {
	case <-ctx.Done():
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			return err
		}
	}
	a.sup.Cancel(sess)
	return nil
}

func printDevices(devs []registry.Device) {
	for i, d := range devs {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Printf("[%d] MAC=%s Name=%s Connected=%t\n", i, d.Address, name, d.Connected)
	}
}

// userMessage maps the error taxonomy onto what a user is told.
func userMessage(err error) string {
	var te *connmgr.TransportError
	switch {
	case errors.Is(err, discovery.ErrStartFailed), errors.Is(err, connmgr.ErrRadioUnavailable):
		return "could not start discovery"
	case errors.Is(err, session.ErrSessionBusy):
		return "a connection attempt is already in progress"
	case errors.As(err, &te) && te.Op == "connect":
		return "could not connect to device"
	case errors.As(err, &te):
		return "connection closed unexpectedly"
	default:
		return "failed"
	}
}

// readIndex prompts until r yields an index in [0, n). It fails once r is
// exhausted.
func readIndex(r *bufio.Reader, n int) (int, error) {
	for {
		line, err := r.ReadString('\n')
		i, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && i >= 0 && i < n {
			return i, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read index: %w", err)
		}
		fmt.Printf("enter 0..%d: ", n-1)
	}
}

func deadlineStr(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Truncate(time.Second).String()
	}
	return "none"
}
