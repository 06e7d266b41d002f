package main

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nrfboot/nrfboot/internal/detect"
	"github.com/nrfboot/nrfboot/internal/flasher"
	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/registry"
	"github.com/nrfboot/nrfboot/internal/serial"
)

const dialTimeout = 5 * time.Second

type conn interface {
	flasher.Conn
	io.Closer
}

// openConn opens the controller named by --tcp or --port, detecting one when
// neither is given.
func openConn() (conn, string, error) {
	if tcpFlag != "" {
		c, err := serial.DialTCP(tcpFlag, dialTimeout)
		if err != nil {
			return nil, "", err
		}
		return c, tcpFlag, nil
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting controller...")
		result, err := detect.DetectDevice(baudFlag)
		if err != nil {
			return nil, "", fmt.Errorf("controller detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found controller on %s (channel %d, device %s)\n", result.Port, result.Channel, result.UARTAddr)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open port: %w", err)
	}
	return port, fmt.Sprintf("%s @ %d baud", portName, baudFlag), nil
}

// console runs one console command and returns the controller to relaying.
func console(f *flasher.Flasher, c conn, run func() (string, error)) error {
	if _, err := f.Configure(); err != nil {
		return err
	}
	out, err := run()
	if err != nil {
		return err
	}
	fmt.Print(out)
	fmt.Println()
	_, err = c.Write([]byte("q\n"))
	return err
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	segments, err := flasher.LoadHexFile(imagePath)
	if err != nil {
		return err
	}
	total := 0
	for _, s := range segments {
		if s.Kind() != protocol.SegmentFuses {
			total += len(s.Data)
		}
	}
	fmt.Printf("Image: %s (%d segments, %d bytes)\n", imagePath, len(segments), total)

	c, name, err := openConn()
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Controller: %s\n", name)

	f := flasher.New(c)

	if idFlag != "" {
		fmt.Printf("Selecting device %s...\n", idFlag)
		if err := console(f, c, func() (string, error) { return f.SelectDevice(idFlag) }); err != nil {
			return err
		}
	}

	fmt.Println("Connecting to bootloader...")
	if err := f.Connect(); err != nil {
		return err
	}
	fmt.Printf("Connected to %s\n", f.Part().Name)

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Programming"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	done := 0
	for _, s := range segments {
		if s.Kind() == protocol.SegmentFuses {
			fmt.Printf("\nSkipping %s at 0x%06X\n", flasher.SegmentName(s), s.Address)
			continue
		}

		f.SetProgressCallback(func(current, _ int) {
			bar.Set(done + current)
		})

		fmt.Printf("\nWriting %s at 0x%06X (%d bytes)...\n", flasher.SegmentName(s), s.Address, len(s.Data))
		if err := f.Program(s, crcFlag && s.Kind() == protocol.SegmentFlash); err != nil {
			f.Close()
			return err
		}
		done += len(s.Data)
	}

	bar.Finish()
	fmt.Println("\nProgramming complete!")

	if err := f.Close(); err != nil {
		fmt.Printf("Warning: leaving programming mode failed: %v\n", err)
	}

	if setIDFlag != "" {
		fmt.Printf("Setting device id to %s...\n", setIDFlag)
		if err := console(f, c, func() (string, error) { return f.SetDeviceID(setIDFlag) }); err != nil {
			return err
		}
	}

	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if tcpFlag != "" {
		c, err := serial.DialTCP(tcpFlag, dialTimeout)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := detect.Probe(c)
		if err != nil {
			return fmt.Errorf("no controller at %s: %w", tcpFlag, err)
		}
		result.Port = tcpFlag
		printControllerInfo(result)
		return nil
	}

	if portFlag != "" {
		// Check specific port
		result, err := detect.DetectOnPort(portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to detect controller on %s: %w", portFlag, err)
		}
		printControllerInfo(result)
		return nil
	}

	// Auto-detect
	fmt.Println("Scanning for controllers...")
	results, err := detect.ListDevices(baudFlag)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No controllers found")
		return nil
	}

	fmt.Printf("Found %d controller(s):\n\n", len(results))
	for i, r := range results {
		fmt.Printf("Controller %d:\n", i+1)
		printControllerInfo(&r)
		fmt.Println()
	}

	return nil
}

func printControllerInfo(r *detect.Result) {
	fmt.Printf("  Port:         %s\n", r.Port)
	if r.Product != "" {
		fmt.Printf("  Product:      %s\n", r.Product)
	}
	fmt.Printf("  Channel:      %d\n", r.Channel)
	fmt.Printf("  UART addr:    %s\n", r.UARTAddr)
	fmt.Printf("  Program addr: %s\n", r.ProgrammingAddr)
	if r.Packets > 0 {
		fmt.Printf("  Last attempt: %d retransmits for %d packets\n", r.Retransmits, r.Packets)
	}
}

func openRegistry() (*registry.Registry, error) {
	if registryFlag == "" {
		return nil, fmt.Errorf("--registry is required")
	}
	return registry.Open(registry.Config{Path: registryFlag})
}

func runDevices(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	devices, err := reg.List()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices recorded")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("  %s\n", d)
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Forget(args[0]); err != nil {
		return fmt.Errorf("forget %s: %w", args[0], err)
	}
	fmt.Printf("Forgot %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  [%s:%s] %s\n", p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Printf("  %s\n", p.Name)
		}
	}

	return nil
}
