//go:build linux

package tun

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxDevice opens a Linux TUN character device via the TUNSETIFF
// ioctl and wraps its file descriptor for ordinary Read/Write.
type linuxDevice struct {
	file *os.File
	name string
}

// Open creates (or attaches to) a TUN interface named after cfg.Name
// (a kernel "%d" pattern such as "gonat%d" is expanded by the driver)
// and assigns it cfg.Address/cfg.PrefixLen.
func Open(cfg Config) (Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}

	flags := int16(unix.IFF_TUN)
	if !cfg.PacketInfo {
		flags |= unix.IFF_NO_PI
	}
	name, err := ioctlTunSetInterfaceFlags(fd, cfg.Name, flags)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", err)
	}

	_ = unix.SetNonblock(fd, false)
	d := &linuxDevice{file: os.NewFile(uintptr(fd), name), name: name}

	if cfg.Address != ([4]byte{}) {
		if err := d.configureAddress(cfg); err != nil {
			_ = d.Close()
			return nil, err
		}
	} else if err := run("ip", "link", "set", "dev", name, "up"); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *linuxDevice) configureAddress(cfg Config) error {
	addr := fmt.Sprintf("%d.%d.%d.%d/%d", cfg.Address[0], cfg.Address[1], cfg.Address[2], cfg.Address[3], cfg.PrefixLen)
	if err := run("ip", "addr", "add", addr, "dev", d.name); err != nil {
		return err
	}
	if err := run("ip", "link", "set", "dev", d.name, "up"); err != nil {
		return err
	}
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tun: %s %v: %w: %s", name, args, err, out)
	}
	return nil
}

func (d *linuxDevice) Read(buf []byte) (int, error)  { return d.file.Read(buf) }
func (d *linuxDevice) Write(buf []byte) (int, error) { return d.file.Write(buf) }
func (d *linuxDevice) Name() string                  { return d.name }
func (d *linuxDevice) Close() error                  { return d.file.Close() }

// ioctlTunSetInterfaceFlags wraps the TUNSETIFF ioctl, requesting name
// (which may contain a single "%d" the kernel expands) with the given
// IFF_* flags, and returns the interface name the kernel actually
// assigned.
func ioctlTunSetInterfaceFlags(fd int, name string, flags int16) (string, error) {
	var ifreq struct {
		name  [unix.IFNAMSIZ]byte
		flags int16
	}
	if len(name) >= unix.IFNAMSIZ {
		return "", unix.EINVAL
	}
	copy(ifreq.name[:], name)
	ifreq.flags = flags

	// <linux/if_tun.h> declares TUNSETIFF as taking an int, not a pointer,
	// so the pointer is cast to an int for IoctlSetInt.
	err := unix.IoctlSetInt(fd, unix.TUNSETIFF, int(uintptr(unsafe.Pointer(&ifreq))))
	return string(bytes.SplitN(ifreq.name[:], []byte{0}, 2)[0]), err
}
