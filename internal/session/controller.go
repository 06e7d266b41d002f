// Package session multiplexes one duplex byte stream between transparent
// radio relay, the STK500 bridge and the configuration console.
package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/nrfboot/nrfboot/embedded"
	"github.com/nrfboot/nrfboot/internal/bootproto"
	"github.com/nrfboot/nrfboot/internal/clock"
	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/radio"
	"github.com/nrfboot/nrfboot/internal/serial"
	"github.com/nrfboot/nrfboot/internal/stk500"
)

const (
	// BurstSize is the largest relay burst, one radio packet.
	BurstSize = 32
	// RelayIdle flushes a partial burst once input pauses this long.
	RelayIdle = 100 * time.Millisecond

	matchWindow  = 32
	maxLine      = 64
	pollInterval = time.Millisecond
)

// Mode is the owner of the stream.
type Mode int

// Modes
const (
	ModeConfigure Mode = iota
	ModeRelay
	ModeBridge
)

func (m Mode) String() string {
	switch m {
	case ModeConfigure:
		return "configure"
	case ModeRelay:
		return "relay"
	case ModeBridge:
		return "bridge"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Event is a recognised trigger or outcome that may change the mode.
type Event int

// Events
const (
	EventSyncOK Event = iota
	EventSyncFailed
	EventConfigure
	EventQuit
	EventResetDone
	EventBridgeFinished
)

type transition struct {
	from Mode
	on   Event
}

var transitions = map[transition]Mode{
	{ModeConfigure, EventSyncOK}:     ModeBridge,
	{ModeConfigure, EventSyncFailed}: ModeRelay,
	{ModeConfigure, EventQuit}:       ModeRelay,
	{ModeConfigure, EventResetDone}:  ModeRelay,
	{ModeRelay, EventSyncOK}:         ModeBridge,
	{ModeRelay, EventSyncFailed}:     ModeRelay,
	{ModeRelay, EventConfigure}:      ModeConfigure,
	{ModeBridge, EventBridgeFinished}: ModeRelay,
}

// Recorder is told about every finished programming session whose target
// signature was read.
type Recorder interface {
	RecordSession(address radio.Address, channel byte, signature [3]byte, stats radio.Stats) error
}

// Controller owns the stream and hands it to the active mode.
type Controller struct {
	session  *bootproto.Session
	link     *radio.Link
	bridge   *stk500.Bridge
	scanner  *Scanner
	clock    clock.Clock
	recorder Recorder
	stream   serial.Stream

	mode     Mode
	matcher  *Matcher
	burst    []byte
	lastSend time.Time
	line     []byte
	scanning bool
	verbose  bool
	debug    bytes.Buffer
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder reports finished programming sessions to r.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithVerbose forwards bootloader messages to the stream while bridging.
func WithVerbose(v bool) Option {
	return func(c *Controller) { c.verbose = v }
}

// New returns a controller driving the device of session.
func New(session *bootproto.Session, opts ...Option) *Controller {
	link := session.Link()
	c := &Controller{
		session: session,
		link:    link,
		clock:   link.Clock(),
		scanner: NewScanner(link),
		matcher: NewMatcher(matchWindow),
		burst:   make([]byte, 0, BurstSize),
		line:    make([]byte, 0, maxLine),
	}
	c.bridge = stk500.New(session, stk500.WithClock(c.clock))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin takes over stream and opens the configuration console.
func (c *Controller) Begin(stream serial.Stream) {
	c.stream = stream
	c.openConfigure()
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Run calls Handle until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.Handle()
		c.clock.Sleep(pollInterval)
	}
}

// Handle gives the active mode one bounded slice of work.
func (c *Controller) Handle() {
	if c.stream == nil {
		return
	}
	switch c.mode {
	case ModeRelay:
		c.handleRelay()
	case ModeBridge:
		c.handleBridge()
	case ModeConfigure:
		c.handleConfigure()
	}
}

func (c *Controller) fire(ev Event) {
	next, ok := transitions[transition{c.mode, ev}]
	if !ok {
		glog.Warningf("session: no transition from %v on event %d", c.mode, ev)
		return
	}
	glog.V(1).Infof("session: %v -> %v", c.mode, next)
	switch next {
	case ModeRelay:
		c.openRelay()
	case ModeConfigure:
		c.openConfigure()
	case ModeBridge:
		c.mode = ModeBridge
		c.bridge.Begin(c.stream)
	}
}

func (c *Controller) write(p []byte) {
	if _, err := c.stream.Write(p); err != nil {
		glog.V(1).Infof("session: write: %v", err)
	}
}

func (c *Controller) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.stream, format, args...)
}

func (c *Controller) println(format string, args ...interface{}) {
	fmt.Fprintf(c.stream, format+"\r\n", args...)
}

func (c *Controller) openRelay() {
	c.mode = ModeRelay
	c.session.SetDebugWriter(nil)
	c.link.PowerDown()
	c.link.OpenWritingPipe(protocol.PipeData)
	c.link.StartListening(1 << 0)
	c.burst = c.burst[:0]
	c.matcher.Reset()
	c.lastSend = c.clock.Now()
}

func (c *Controller) openConfigure() {
	c.mode = ModeConfigure
	c.session.SetDebugWriter(c.stream)
	c.printf("%s", embedded.ConsoleHelp())
	c.println("%s", c.session.Addresses())
	stats := c.link.Stats()
	c.println("%d retransmits for %d packets during last programming attempt", stats.Resends, stats.Sends)
	c.link.ResetStats()
	c.printf("\r\n>")

	for {
		if _, ok := c.stream.Poll(); !ok {
			break
		}
	}
	c.line = c.line[:0]
	c.matcher.Reset()
	c.scanning = false
}

// respondToSync answers a programmer's get-sync pair itself and enters the
// bootloader. The second OK tells the programmer whether that worked.
func (c *Controller) respondToSync() {
	c.burst = c.burst[:0]
	c.line = c.line[:0]
	c.matcher.Reset()
	c.session.SetDebugWriter(&c.debug)

	c.write([]byte{protocol.StkInSync, protocol.StkOK, protocol.StkInSync})
	err := c.session.EnterBootLoader()
	if err == nil {
		c.write([]byte{protocol.StkOK})
	} else {
		c.write([]byte{protocol.StkFailed})
	}
	if c.verbose {
		c.write(c.debug.Bytes())
	}
	c.debug.Reset()

	if err != nil {
		glog.V(1).Infof("session: programmer sync: %v", err)
		c.fire(EventSyncFailed)
		return
	}
	c.fire(EventSyncOK)
}

func (c *Controller) handleBridge() {
	finished := c.bridge.Handle()

	if c.verbose {
		c.write(c.debug.Bytes())
	}
	c.debug.Reset()

	if finished {
		c.println("Closing STK500 interface")
		c.record()
		c.verbose = false
		c.fire(EventBridgeFinished)
	}
}

func (c *Controller) record() {
	if c.recorder == nil {
		return
	}
	sig, ok := c.session.Signature()
	if !ok {
		return
	}
	err := c.recorder.RecordSession(c.link.Address(), c.link.Channel(), sig, c.link.Stats())
	if err != nil {
		glog.Warningf("session: record device: %v", err)
	}
}

func (c *Controller) handleRelay() {
	now := c.clock.Now()

	if len(c.burst) < BurstSize {
		if b, ok := c.stream.Poll(); ok {
			c.burst = append(c.burst, b)
			c.matcher.Push(b)
		}
	}

	syncMatch := c.matcher.Match(protocol.ProgrammerSync)
	if syncMatch == len(protocol.ProgrammerSync) {
		c.respondToSync()
		return
	}
	// Stay quiet while a programmer may be starting up.
	if syncMatch == 0 {
		for c.link.Available() {
			c.write(c.link.Read())
		}
	}

	cfgMatch := c.matcher.Match(protocol.ConfigurePrefix)
	if cfgMatch == len(protocol.ConfigurePrefix) {
		c.fire(EventConfigure)
		return
	}

	if len(c.burst) == BurstSize ||
		(len(c.burst) > 0 && now.Sub(c.lastSend) > RelayIdle && syncMatch == 0 && cfgMatch == 0) {
		c.sendBurst()
	}
	if len(c.burst) == 0 {
		c.lastSend = now
	}
}

func (c *Controller) sendBurst() {
	c.link.StopListening()
	c.clock.Sleep(5 * time.Millisecond)
	err := c.link.WriteLong(c.burst)
	if err == nil {
		err = c.link.Flush(true)
	}
	if err != nil {
		glog.V(1).Infof("session: relay %d bytes: %v", len(c.burst), err)
	}
	c.link.StartListening(1 << 0)
	c.burst = c.burst[:0]
}

func (c *Controller) handleConfigure() {
	if c.scanning {
		c.scanner.Pass(c.stream)
	}

	b, ok := c.stream.Poll()
	if !ok {
		return
	}
	if b == '\n' {
		c.write([]byte("\r\n"))
	} else {
		c.write([]byte{b})
	}
	if b == '\r' {
		return
	}
	c.matcher.Push(b)
	if b != '\n' {
		if len(c.line) < maxLine {
			c.line = append(c.line, b)
		}
		if c.matcher.Match(protocol.ProgrammerSync) == len(protocol.ProgrammerSync) {
			c.respondToSync()
		}
		return
	}

	c.scanning = false
	line := string(c.line)
	c.line = c.line[:0]
	if c.runCommand(line) {
		c.write([]byte(">"))
	}
}
