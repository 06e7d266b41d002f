package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nrfboot/nrfboot/internal/protocol"
	"github.com/nrfboot/nrfboot/internal/radio"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	// flash, info
	portFlag  string
	tcpFlag   string
	baudFlag  int
	idFlag    string
	setIDFlag string
	crcFlag   bool

	// serve
	spiFlag      string
	ceFlag       string
	simulateFlag bool
	stdioFlag    bool
	listenFlag   string
	channelFlag  int
	addressFlag  string
	rateFlag     string
	powerFlag    string
	verboseFlag  bool

	registryFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nrfboot",
		Short: "Program ATtiny 0/1 devices over nRF24L01+ radio",
		Long: `nrfboot drives an nRF24L01+ transceiver as a wireless serial link and
remote programmer for ATtiny 0/1 series devices running the radio
bootloader.

Run "nrfboot serve" on the host wired to the transceiver. It relays serial
data to the selected device and answers STK500 programmers such as avrdude
or "nrfboot flash".`,
		SilenceUsage: true,
	}
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&registryFlag, "registry", "", "Device registry database (disabled if empty)")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the radio controller",
		Long: `Run the radio controller on a transceiver and expose it on one stream.

The stream is a serial port (--port), a TCP listener (--listen) or the
terminal (--stdio). Type "*cfg" followed by Enter to open the console.

Use --simulate to run against an emulated transceiver and device.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	serveCmd.Flags().StringVar(&spiFlag, "spi", "", "SPI port (first registered port if empty)")
	serveCmd.Flags().StringVar(&ceFlag, "ce", "GPIO25", "Chip enable GPIO")
	serveCmd.Flags().BoolVar(&simulateFlag, "simulate", false, "Use an emulated transceiver and device")
	serveCmd.Flags().BoolVar(&stdioFlag, "stdio", false, "Serve on the terminal")
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Serve on a TCP address, e.g. :2323")
	serveCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serve on a serial port")
	serveCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	serveCmd.Flags().IntVar(&channelFlag, "channel", int(radio.DefaultConfig().Channel), "RF channel")
	serveCmd.Flags().StringVar(&addressFlag, "address", radio.DefaultConfig().Address.String(), "Device address")
	serveCmd.Flags().StringVar(&rateFlag, "rate", radio.DefaultConfig().BitRate.String(), "Bit rate: 250k, 1m or 2m")
	serveCmd.Flags().StringVar(&powerFlag, "power", radio.DefaultConfig().Power.String(), "Output power: min, low, high or max")
	serveCmd.Flags().BoolVar(&verboseFlag, "verbose", false, "Echo bootloader traffic on programmer sync")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.hex>",
		Short: "Program an Intel HEX image",
		Long: `Program an Intel HEX image through a running controller.

Program memory, EEPROM and user row segments are written. Fuse segments
are skipped.

Use --id to select the device before programming and --setid to give it a
new id afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addConnFlags(flashCmd)
	flashCmd.Flags().StringVar(&idFlag, "id", "", "Select the device with this id first")
	flashCmd.Flags().StringVar(&setIDFlag, "setid", "", "Reprogram the device id after flashing")
	flashCmd.Flags().BoolVar(&crcFlag, "crc", false, "Append a CRC16 to program memory")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show controller info",
		Long:  "Detect controllers and show their radio settings.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	addConnFlags(infoCmd)

	// Devices command
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List programmed devices",
		Args:  cobra.NoArgs,
		RunE:  runDevices,
	}
	forgetCmd := &cobra.Command{
		Use:   "forget <radio-id>",
		Short: "Remove a device from the registry",
		Args:  cobra.ExactArgs(1),
		RunE:  runForget,
	}
	devicesCmd.AddCommand(forgetCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nrfboot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(serveCmd, flashCmd, infoCmd, devicesCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConnFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().StringVar(&tcpFlag, "tcp", "", "Controller served with --listen, e.g. host:2323")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
}
