package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nrfboot/nrfboot/internal/bootproto"
	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/nrf24"
	"github.com/nrfboot/nrfboot/internal/nrf24/nrf24sim"
	"github.com/nrfboot/nrfboot/internal/radio"
	"github.com/nrfboot/nrfboot/internal/registry"
	"github.com/nrfboot/nrfboot/internal/serial"
	"github.com/nrfboot/nrfboot/internal/session"
)

// ctrlC ends a --stdio session; the terminal is in raw mode.
const ctrlC = 0x03

func radioConfig() (radio.Config, error) {
	c := radio.DefaultConfig()
	if channelFlag < 0 || channelFlag > radio.MaxChannel {
		return c, errors.Errorf("invalid channel %d", channelFlag)
	}
	c.Channel = byte(channelFlag)

	var err error
	if c.Address, err = radio.ParseAddress(addressFlag); err != nil {
		return c, err
	}
	if c.BitRate, err = radio.ParseBitRate(rateFlag); err != nil {
		return c, err
	}
	if c.Power, err = radio.ParsePowerLevel(powerFlag); err != nil {
		return c, err
	}
	return c, nil
}

func openTransceiver(c radio.Config) (nrf24.Transceiver, func(), error) {
	if simulateFlag {
		dev := nrf24sim.NewDevice(clock.System(), nrf24sim.DeviceConfig{
			Signature: [3]byte{0x1E, 0x94, 0x22},
			Address:   c.Address,
			Channel:   c.Channel,
			BitRate:   byte(c.BitRate),
		})
		glog.Infof("serve: simulating ATtiny1614 at %s on channel %d", c.Address, c.Channel)
		return nrf24sim.NewRadio(dev), func() {}, nil
	}

	dev, err := nrf24.OpenSPI(nrf24.SPIConfig{Bus: spiFlag, CEPin: ceFlag})
	if err != nil {
		return nil, nil, err
	}
	return dev, func() { dev.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	targets := 0
	for _, set := range []bool{stdioFlag, listenFlag != "", portFlag != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		return errors.New("exactly one of --stdio, --listen or --port is required")
	}

	rc, err := radioConfig()
	if err != nil {
		return err
	}
	trx, closeTrx, err := openTransceiver(rc)
	if err != nil {
		return err
	}
	defer closeTrx()

	link := radio.New(trx)
	if err := link.Begin(rc); err != nil {
		return err
	}

	opts := []session.Option{session.WithVerbose(verboseFlag)}
	if registryFlag != "" {
		reg, err := registry.Open(registry.Config{Path: registryFlag})
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, session.WithRecorder(reg))
	}
	ctl := session.New(bootproto.New(link), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case stdioFlag:
		return serveStdio(ctx, ctl)
	case listenFlag != "":
		return serveTCP(ctx, ctl, listenFlag)
	default:
		return servePort(ctx, ctl, portFlag, baudFlag)
	}
}

// serveStream runs ctl on stream until ctx is done or the stream ends.
func serveStream(ctx context.Context, ctl *session.Controller, stream *serial.Buffered) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stream.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ctl.Begin(stream)
	err := ctl.Run(ctx)
	if serr := stream.Err(); serr != nil && serr != io.EOF {
		return serr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func servePort(ctx context.Context, ctl *session.Controller, name string, baud int) error {
	port, err := serial.Open(name, baud)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	glog.Infof("serve: %s @ %d baud", name, baud)
	return serveStream(ctx, ctl, serial.NewBuffered(port, port))
}

func serveTCP(ctx context.Context, ctl *session.Controller, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	glog.Infof("serve: listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		glog.Infof("serve: client %s connected", conn.RemoteAddr())
		err = serveStream(ctx, ctl, serial.NewBuffered(conn, conn))
		conn.Close()
		glog.Infof("serve: client %s disconnected", conn.RemoteAddr())
		if err != nil {
			glog.Warningf("serve: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func serveStdio(ctx context.Context, ctl *session.Controller) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return errors.Wrap(err, "set terminal raw mode")
		}
		defer term.Restore(fd, state)
	}
	return serveStream(ctx, ctl, serial.NewBuffered(terminalReader{os.Stdin}, os.Stdout))
}

// terminalReader turns the Enter key into a newline and stops at Ctrl-C.
type terminalReader struct {
	r io.Reader
}

func (t terminalReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	for i, c := range p[:n] {
		switch c {
		case '\r':
			p[i] = '\n'
		case ctrlC:
			return i, io.EOF
		}
	}
	return n, err
}
