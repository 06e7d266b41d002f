package session

import (
	"fmt"
	"io"
	"time"

	"github.com/nrfboot/nrfboot/internal/radio"
)

// ScanChannels is the number of channels sampled per pass, spread evenly
// over 0-127.
const ScanChannels = 64

const (
	scanRenderEvery = 200
	scanHeaderEvery = 12
	scanSettle      = 130 * time.Microsecond
	scanScale       = " .:-=+*aRW"
)

var scanHeader = []string{
	" 0         1         2         3         4         5         6",
	" 0123456789012345678901234567890123456789012345678901234567890123",
	">      1 2  3 4  5  6 7 8  9 10 11 12 13  14                     <",
}

// Scanner samples the received power detector across the band and renders
// the hit counts as a grey map.
type Scanner struct {
	link   *radio.Link
	counts [ScanChannels]int
	passes int
	lines  int
}

// NewScanner returns a scanner on link.
func NewScanner(link *radio.Link) *Scanner {
	return &Scanner{link: link}
}

// Start clears the counters and writes the channel header.
func (s *Scanner) Start(w io.Writer) {
	s.counts = [ScanChannels]int{}
	s.passes = 0
	s.header(w)
}

// Pass samples every channel once and renders a line every 200 passes.
func (s *Scanner) Pass(w io.Writer) {
	clk := s.link.Clock()
	s.link.SetCE(false)
	s.link.StartListening(0)
	channel := s.link.Channel()
	for i := range s.counts {
		s.link.SetChannel(byte(128 * i / ScanChannels))

		// RPD latches when CE falls after the receiver settled.
		s.link.SetCE(true)
		clk.Sleep(scanSettle)
		s.link.SetCE(false)

		if s.link.CarrierDetected() {
			s.counts[i]++
		}
	}
	s.link.SetChannel(channel)
	s.link.SetCE(true)

	s.passes++
	if s.passes == scanRenderEvery {
		s.render(w)
		s.passes = 0
	}
}

func (s *Scanner) header(w io.Writer) {
	for _, l := range scanHeader {
		fmt.Fprintf(w, "%s\r\n", l)
	}
	s.lines = 0
}

func (s *Scanner) render(w io.Writer) {
	s.lines++
	if s.lines == scanHeaderEvery {
		s.header(w)
	}

	norm := 0
	for _, c := range s.counts {
		if c > norm {
			norm = c
		}
	}

	line := make([]byte, 0, ScanChannels+2)
	line = append(line, '|')
	for i, c := range s.counts {
		pos := 0
		if norm != 0 {
			pos = c * 10 / norm
		}
		if pos == 0 && c > 0 {
			pos = 1
		}
		if pos > 9 {
			pos = 9
		}
		line = append(line, scanScale[pos])
		s.counts[i] = 0
	}
	fmt.Fprintf(w, "%s| %d\r\n", line, norm)
}
