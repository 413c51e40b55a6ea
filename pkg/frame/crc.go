package frame

import "github.com/sigurn/crc16"

// CRC-16/X-25: poly 0x1021 reflected, init 0xFFFF, xorout 0xFFFF.
var crcTable = crc16.MakeTable(crc16.CRC16_X_25)

// Init returns the initial register value for an incremental checksum.
func Init() uint16 { return crc16.Init(crcTable) }

// Update feeds b into a running checksum started with Init.
func Update(crc uint16, b []byte) uint16 { return crc16.Update(crc, b, crcTable) }

// Complete finalizes a running checksum.
func Complete(crc uint16) uint16 { return crc16.Complete(crc, crcTable) }

// Checksum computes the CRC-16/X-25 of b.
func Checksum(b []byte) uint16 { return crc16.Checksum(b, crcTable) }
