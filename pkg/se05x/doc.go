/*
Package se05x is the host-side driver for NXP SE05x secure elements.

A Driver owns one link to the chip and at most one SCP03 secure channel over it. It
provides:
  - Send, which routes a command through the open channel (or plainly, when allowed)
  - transparent re-authentication after a security violation or a broken channel
  - bounded retry of corrupted or truncated response frames
  - a small command catalog (applet select, version, random, binary objects, memory)
  - key version diagnostics and Prometheus metrics

# Exchange Path

	Send(cmd)
	  -> scp03.Session.Exchange   counter++, C-DEC, C-MAC, R-MAC check, R-ENC
	  -> transport.Framed         CRC-16/X-25 trailer, retry on bad frame
	  -> link                     PC/SC reader, T=1 over I2C, websocket bridge

Status words other than 9000 are returned in the Response. Only transport failures,
security violations and protocol errors are reported as Go errors.

# Re-authentication

With AutoReauth on, an exchange that fails with scp03.ErrSecurityViolation,
scp03.ErrSessionBroken or a frame codec error causes exactly one new handshake with the
stored static keys. The command is then sent once on the new channel; a second failure
is returned. A fresh channel starts again from counter zero with fresh session keys.

# Secure Object Identifiers

Object identifiers are 32-bit. Identifiers 0x7FFF0000..0x7FFFFFFF are reserved by the
applet; 0x7FFF0206 is the factory unique ID object on most parts.

# Applet Configuration

The two configuration bytes returned by SELECT and GET VERSION are a feature bitmap:

	0x0001 ECDAA            0x0080 AES
	0x0002 ECDSA/ECDH       0x0100 DES
	0x0004 EdDSA            0x0200 PBKDF
	0x0008 DH Montgomery    0x0400 TLS
	0x0010 HMAC             0x0800 MIFARE DESFire
	0x0020 RSA plain        0x1000 FIPS mode disabled
	0x0040 RSA CRT          0x2000 I2C controller
*/
package se05x
