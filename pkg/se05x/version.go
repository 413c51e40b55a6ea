package se05x

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// AppletConfig is the feature bitmap reported by the applet.
type AppletConfig uint16

const (
	ConfigECDAA            AppletConfig = 0x0001
	ConfigECDSA            AppletConfig = 0x0002
	ConfigEdDSA            AppletConfig = 0x0004
	ConfigDHMont           AppletConfig = 0x0008
	ConfigHMAC             AppletConfig = 0x0010
	ConfigRSAPlain         AppletConfig = 0x0020
	ConfigRSACRT           AppletConfig = 0x0040
	ConfigAES              AppletConfig = 0x0080
	ConfigDES              AppletConfig = 0x0100
	ConfigPBKDF            AppletConfig = 0x0200
	ConfigTLS              AppletConfig = 0x0400
	ConfigMIFARE           AppletConfig = 0x0800
	ConfigFIPSModeDisabled AppletConfig = 0x1000
	ConfigI2CM             AppletConfig = 0x2000

	ConfigAll AppletConfig = 0x3FFF
)

var configNames = []struct {
	bit  AppletConfig
	name string
}{
	{ConfigECDAA, "ECDAA"},
	{ConfigECDSA, "ECDSA/ECDH"},
	{ConfigEdDSA, "EdDSA"},
	{ConfigDHMont, "DH-Mont"},
	{ConfigHMAC, "HMAC"},
	{ConfigRSAPlain, "RSA-plain"},
	{ConfigRSACRT, "RSA-CRT"},
	{ConfigAES, "AES"},
	{ConfigDES, "DES"},
	{ConfigPBKDF, "PBKDF"},
	{ConfigTLS, "TLS"},
	{ConfigMIFARE, "MIFARE"},
	{ConfigFIPSModeDisabled, "FIPS-disabled"},
	{ConfigI2CM, "I2CM"},
}

// Has reports whether every bit of f is set.
func (c AppletConfig) Has(f AppletConfig) bool { return c&f == f }

func (c AppletConfig) String() string {
	var parts []string
	for _, n := range configNames {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("none (0x%04X)", uint16(c))
	}
	return strings.Join(parts, "|")
}

// VersionLen is the size of the applet version record.
const VersionLen = 7

// Version is the applet version record returned by SELECT and GET VERSION.
type Version struct {
	Major          byte
	Minor          byte
	Patch          byte
	Config         AppletConfig
	SecureBoxMajor byte
	SecureBoxMinor byte
}

// ParseVersion decodes major, minor, patch, config (2, big-endian), SecureBox major
// and minor.
func ParseVersion(b []byte) (Version, error) {
	if len(b) != VersionLen {
		return Version{}, errors.Errorf("version record must be %d bytes, got %d", VersionLen, len(b))
	}
	return Version{
		Major:          b[0],
		Minor:          b[1],
		Patch:          b[2],
		Config:         AppletConfig(uint16(b[3])<<8 | uint16(b[4])),
		SecureBoxMajor: b[5],
		SecureBoxMinor: b[6],
	}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
