package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"
)

// upCommandWaitDelay bounds the wait for output after the bring-up
// command is killed.
const upCommandWaitDelay = time.Second

// Interface is a [Link] backed by a host network interface. The OS (or
// a supplied bring-up command) does the actual association; Interface
// only watches for an IPv4 address to appear.
type Interface struct {
	// Name is the interface to watch (e.g. wlan0). If empty, the first
	// up, non-loopback interface with an IPv4 address is used.
	Name string

	// UpCommand, if set, is run before each address check. SSID and
	// Password are passed to it as ROOST_WIFI_SSID and ROOST_WIFI_PASSWORD.
	UpCommand []string
	SSID      string
	Password  string

	Logger *slog.Logger

	// interfaces and byName are replaced in tests.
	interfaces func() ([]net.Interface, error)
	byName     func(string) (*net.Interface, error)
	addrs      func(*net.Interface) ([]net.Addr, error)
}

// Up runs the bring-up command, if any, and reports whether the
// interface has an address.
func (i *Interface) Up(ctx context.Context) error {
	if len(i.UpCommand) > 0 {
		if err := i.runUpCommand(ctx); err != nil {
			return err
		}
	}
	_, err := i.Address()
	return err
}

func (i *Interface) runUpCommand(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, i.UpCommand[0], i.UpCommand[1:]...)
	// A killed shell can leave children holding the output pipe.
	cmd.WaitDelay = upCommandWaitDelay
	cmd.Env = append(os.Environ(),
		"ROOST_WIFI_SSID="+i.SSID,
		"ROOST_WIFI_PASSWORD="+i.Password,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("link up command %q: %w (output: %s)", i.UpCommand[0], err, truncate(out, 200))
	}
	i.logger().Debug("link up command completed", "command", i.UpCommand[0])
	return nil
}

// Address implements [Link].
func (i *Interface) Address() (string, error) {
	if i.Name != "" {
		ifc, err := i.lookup(i.Name)
		if err != nil {
			return "", fmt.Errorf("interface %s: %w", i.Name, err)
		}
		return i.ipv4(ifc)
	}

	list, err := i.list()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for idx := range list {
		ifc := &list[idx]
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if addr, err := i.ipv4(ifc); err == nil {
			return addr, nil
		}
	}
	return "", ErrNoAddress
}

func (i *Interface) ipv4(ifc *net.Interface) (string, error) {
	if ifc.Flags&net.FlagUp == 0 {
		return "", fmt.Errorf("interface %s is down", ifc.Name)
	}
	addrs, err := i.addrsOf(ifc)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsUnspecified() {
			return ip4.String(), nil
		}
	}
	return "", ErrNoAddress
}

func (i *Interface) lookup(name string) (*net.Interface, error) {
	if i.byName != nil {
		return i.byName(name)
	}
	return net.InterfaceByName(name)
}

func (i *Interface) list() ([]net.Interface, error) {
	if i.interfaces != nil {
		return i.interfaces()
	}
	return net.Interfaces()
}

func (i *Interface) addrsOf(ifc *net.Interface) ([]net.Addr, error) {
	if i.addrs != nil {
		return i.addrs(ifc)
	}
	return ifc.Addrs()
}

func (i *Interface) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
