//go:build linux

package transport

import (
	"io"
	"log/slog"
	"sync"

	"github.com/barnettlynn/se05x/pkg/t1"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultI2CAddress is the 7-bit address SE05x parts ship with.
const DefaultI2CAddress = 0x48

// i2cSlave is I2C_SLAVE from linux/i2c-dev.h; x/sys/unix does not export it.
const i2cSlave = 0x0703

// I2C is a Linux i2c-dev bus bound to one target address. It implements t1.Bus.
type I2C struct {
	mu   sync.Mutex
	fd   int
	path string
	addr uint16
}

// OpenI2C opens path (for example /dev/i2c-1) and binds it to addr.
func OpenI2C(path string, addr uint16) (*I2C, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "set i2c address 0x%02X", addr)
	}
	return &I2C{fd: fd, path: path, addr: addr}, nil
}

// classify maps the errno of a failed transfer onto the T=1 NACK sentinels.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENXIO), errors.Is(err, unix.EREMOTEIO):
		return errors.Wrap(t1.ErrAddressNack, op)
	case errors.Is(err, unix.EIO):
		return errors.Wrap(t1.ErrDataNack, op)
	}
	return errors.Wrap(err, op)
}

func (b *I2C) Read(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return ErrClosed
	}
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		return classify("i2c read", err)
	}
	if n != len(buf) {
		return errors.Wrapf(io.ErrUnexpectedEOF, "i2c read %d of %d bytes", n, len(buf))
	}
	return nil
}

func (b *I2C) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return ErrClosed
	}
	n, err := unix.Write(b.fd, data)
	if err != nil {
		return classify("i2c write", err)
	}
	if n != len(data) {
		return errors.Wrapf(io.ErrShortWrite, "i2c wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// Close releases the device.
func (b *I2C) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// DialI2C opens the bus and returns a T=1 connection over it. The connection already
// checksums every block, so the driver uses it with frame.None.
func DialI2C(path string, addr uint16, log *slog.Logger) (*t1.Conn, error) {
	bus, err := OpenI2C(path, addr)
	if err != nil {
		return nil, err
	}
	return t1.NewConn(bus, t1.WithLogger(log)), nil
}
