//go:build !linux

package transport

import (
	"log/slog"

	"github.com/barnettlynn/se05x/pkg/t1"
	"github.com/pkg/errors"
)

// DefaultI2CAddress is the 7-bit address SE05x parts ship with.
const DefaultI2CAddress = 0x48

// DialI2C is only available on Linux.
func DialI2C(path string, addr uint16, log *slog.Logger) (*t1.Conn, error) {
	return nil, errors.New("transport: i2c is only supported on linux")
}
