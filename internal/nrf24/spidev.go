package nrf24

import (
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIConfig selects the bus and pins of a transceiver wired to the host.
type SPIConfig struct {
	// Bus is the SPI port name, e.g. "/dev/spidev0.0". Defaults to the first
	// registered port.
	Bus string
	// ClockHz is the SPI clock frequency. Defaults to 4MHz.
	ClockHz int64
	// CEPin is the GPIO name driving chip enable, e.g. "GPIO25".
	CEPin string
}

// SPIDevice is a Transceiver on a Linux SPI bus.
type SPIDevice struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	ce   gpio.PinIO
}

// OpenSPI initializes the host drivers and opens the configured bus and pin.
func OpenSPI(c SPIConfig) (*SPIDevice, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initialize periph.io host")
	}

	if c.ClockHz == 0 {
		c.ClockHz = 4000000
	}
	if c.CEPin == "" {
		c.CEPin = "GPIO25"
	}

	p, err := spireg.Open(c.Bus)
	if err != nil {
		return nil, errors.Wrapf(err, "open SPI port %q", c.Bus)
	}

	conn, err := p.Connect(physic.Frequency(c.ClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "connect SPI port")
	}

	ce := gpioreg.ByName(c.CEPin)
	if ce == nil {
		p.Close()
		return nil, errors.Errorf("no GPIO named %s for CE", c.CEPin)
	}
	if err := ce.Out(gpio.Low); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "drive CE pin %s", c.CEPin)
	}

	return &SPIDevice{port: p, conn: conn, ce: ce}, nil
}

// Command performs one SPI transaction.
func (d *SPIDevice) Command(cmd byte, data []byte) (byte, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := make([]byte, len(data)+1)
	rx := make([]byte, len(tx))
	tx[0] = cmd
	copy(tx[1:], data)
	if err := d.conn.Tx(tx, rx); err != nil {
		glog.V(3).Infof("nrf24: SPI transfer of command 0x%02X failed: %v", cmd, err)
		// A failed transfer reads as an idle bus.
		for i := range rx {
			rx[i] = 0xFF
		}
	}
	return rx[0], rx[1:]
}

// SetCE drives the chip-enable pin.
func (d *SPIDevice) SetCE(high bool) {
	level := gpio.Low
	if high {
		level = gpio.High
	}
	if err := d.ce.Out(level); err != nil {
		glog.V(3).Infof("nrf24: drive CE %v: %v", level, err)
	}
}

// Close releases the SPI port.
func (d *SPIDevice) Close() error {
	d.SetCE(false)
	return d.port.Close()
}
