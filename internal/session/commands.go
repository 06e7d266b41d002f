package session

import (
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/google/shlex"
	"github.com/pkg/errors"

	"github.com/nrfboot/nrfboot/internal/bootproto"
	"github.com/nrfboot/nrfboot/internal/radio"
)

// runCommand executes one console line. It returns false when the command
// left configure mode or started output that replaces the prompt.
func (c *Controller) runCommand(line string) bool {
	args, err := shlex.Split(line)
	if err != nil {
		c.println("%v", err)
		return true
	}
	if len(args) == 0 {
		return true
	}
	glog.V(3).Infof("session: console %q", args)

	name, args := args[0], args[1:]
	switch name {
	case "q", "quit":
		c.println("done.")
		c.fire(EventQuit)
		return false

	case "r", "reset":
		if err := c.reset(); err != nil {
			glog.V(1).Infof("session: reset: %v", err)
			return true
		}
		c.fire(EventResetDone)
		return false

	case "sc", "scan":
		c.scanning = true
		c.scanner.Start(c.stream)
		return false

	case "crc":
		if err := c.session.EnterBootLoader(); err != nil {
			c.println("Failed entering bootloader: %v", err)
			break
		}
		if err := c.session.PerformCrcCheck(); err != nil {
			c.println("crc: FAILED (%v)", err)
			break
		}
		c.println("crc: OK")

	case "ch":
		if len(args) != 1 {
			c.println("usage: ch <channel>")
			break
		}
		ch, err := parseChannel(args[0])
		if err != nil {
			c.println("%v", err)
			break
		}
		c.link.SetChannel(ch)
		c.session.Forget()

	case "ad", "addr":
		addr, ch, err := parseTarget(args)
		if err != nil {
			c.println("%v", err)
			break
		}
		c.link.SetAddress(addr)
		if ch != bootproto.KeepChannel {
			c.link.SetChannel(byte(ch))
		}
		c.session.Forget()
		c.println("%s", c.session.Addresses())

	case "id":
		addr, ch, err := parseTarget(args)
		if err == nil && ch != bootproto.KeepChannel {
			err = errors.New("id takes no channel")
		}
		if err != nil {
			c.println("%v", err)
			break
		}
		c.link.SetAddress(addr)
		c.session.Forget()
		c.println("%s", c.session.Addresses())

	case "setid":
		addr, ch, err := parseTarget(args)
		if err != nil {
			c.println("%v", err)
			break
		}
		if err := c.session.EnterBootLoader(); err != nil {
			c.println("Failed entering bootloader: %v", err)
			break
		}
		if err := c.session.ReprogramAddress(addr, ch); err != nil {
			c.println("Failed reprogramming radio address: %v", err)
			break
		}
		c.println("%s", c.session.Addresses())

	case "setch":
		if len(args) != 1 {
			c.println("usage: setch <channel>")
			break
		}
		ch, err := parseChannel(args[0])
		if err != nil {
			c.println("%v", err)
			break
		}
		if err := c.session.EnterBootLoader(); err != nil {
			c.println("Failed entering bootloader: %v", err)
			break
		}
		if err := c.session.ReprogramChannel(ch); err != nil {
			c.println("Failed reprogramming radio channel: %v", err)
			break
		}
		c.println("%s", c.session.Addresses())

	case "unreloc":
		if err := c.session.EnterBootLoader(); err != nil {
			c.println("Failed entering bootloader: %v", err)
			break
		}
		if err := c.session.ClearRelocator(); err != nil {
			c.println("Failed clearing channel switcher: %v", err)
		}

	case "v":
		c.verbose = true

	default:
		c.println("unknown command %q", name)
	}
	return true
}

func (c *Controller) reset() error {
	if err := c.session.EnterBootLoader(); err != nil {
		return err
	}
	return c.session.ExitBootLoader()
}

// parseTarget reads "<xyz> [channel]" where the channel may also follow the
// address after ',' or ':'. The channel is bootproto.KeepChannel when absent.
func parseTarget(args []string) (radio.Address, int, error) {
	s := strings.Join(args, " ")
	if len(s) < 3 {
		return radio.Address{}, 0, errors.Errorf("address %q must be 3 characters", s)
	}
	addr, err := radio.ParseAddress(s[:3])
	if err != nil {
		return addr, 0, err
	}
	rest := s[3:]
	if rest == "" {
		return addr, bootproto.KeepChannel, nil
	}
	switch rest[0] {
	case ' ', ',', ':':
	default:
		return addr, 0, errors.Errorf("address %q must be 3 characters", s)
	}
	ch, err := parseChannel(strings.TrimSpace(rest[1:]))
	if err != nil {
		return addr, 0, err
	}
	return addr, int(ch), nil
}

func parseChannel(s string) (byte, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > radio.MaxChannel {
		return 0, errors.Errorf("invalid channel %q", s)
	}
	return byte(n), nil
}
