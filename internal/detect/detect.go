package detect

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/nrfboot/nrfboot/internal/flasher"
	"github.com/nrfboot/nrfboot/internal/serial"
)

const probeTimeout = 2 * time.Second

// Result represents a controller found on a serial port.
type Result struct {
	Port            string
	Product         string
	Channel         int
	UARTAddr        string
	ProgrammingAddr string
	Retransmits     int
	Packets         int
}

// Banner is what a controller's console reports when it opens.
type Banner struct {
	Channel         int
	UARTAddr        string
	ProgrammingAddr string
	Retransmits     int
	Packets         int
}

// ParseBanner extracts the radio settings and the statistics of the last
// programming attempt from console output.
func ParseBanner(text string) (Banner, error) {
	var b Banner
	found := false
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Channel = ") {
			_, err := fmt.Sscanf(line, "Channel = %d  UART addr = %s  Programming addr = %s",
				&b.Channel, &b.UARTAddr, &b.ProgrammingAddr)
			if err != nil {
				return b, fmt.Errorf("bad address line %q: %w", line, err)
			}
			found = true
		}
		if strings.HasSuffix(line, "during last programming attempt") {
			fmt.Sscanf(line, "%d retransmits for %d packets", &b.Retransmits, &b.Packets)
		}
	}
	if !found {
		return b, fmt.Errorf("no controller banner")
	}
	return b, nil
}

// DetectDevice tries to find a controller on available ports.
// Returns the first one that answers, or an error.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, p := range ports {
		result, err := tryPort(p, baudRate)
		if err != nil {
			glog.V(1).Infof("detect: %s: %v", p.Name, err)
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no controller found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no controller found")
}

// DetectOnPort tries to find a controller on a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(serial.PortInfo{Name: portName}, baudRate)
}

// ListDevices scans all ports and returns every controller that answers.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, p := range ports {
		result, err := tryPort(p, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(info serial.PortInfo, baudRate int) (*Result, error) {
	port, err := serial.Open(info.Name, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	result, err := Probe(port)
	if err != nil {
		return nil, err
	}
	result.Port = info.Name
	result.Product = info.Product
	return result, nil
}

// Probe opens the console of the controller on conn, reads its banner and
// sends it back to relaying.
func Probe(conn flasher.Conn) (*Result, error) {
	f := flasher.New(conn)
	f.SetTimeout(probeTimeout)

	out, err := f.Configure()
	if err != nil {
		return nil, err
	}
	banner, err := ParseBanner(out)
	if err != nil {
		// Already in the console: leave it and open it again.
		if _, err := conn.Write([]byte("q\n")); err != nil {
			return nil, err
		}
		if out, err = f.Configure(); err != nil {
			return nil, err
		}
		if banner, err = ParseBanner(out); err != nil {
			return nil, err
		}
	}

	// Leave the console
	if _, err := conn.Write([]byte("q\n")); err != nil {
		return nil, err
	}

	return &Result{
		Channel:         banner.Channel,
		UARTAddr:        banner.UARTAddr,
		ProgrammingAddr: banner.ProgrammingAddr,
		Retransmits:     banner.Retransmits,
		Packets:         banner.Packets,
	}, nil
}
