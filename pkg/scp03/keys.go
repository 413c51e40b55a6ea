package scp03

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// KeyLen is the size of every SCP03 static and session key handled here (AES-128).
const KeyLen = 16

// StaticKeys is the static key set shared with the chip for one key version.
type StaticKeys struct {
	ENC []byte
	MAC []byte
	DEK []byte
}

// Validate checks that all three keys are present and 16 bytes long.
func (k StaticKeys) Validate() error {
	for _, key := range []struct {
		name string
		v    []byte
	}{{"ENC", k.ENC}, {"MAC", k.MAC}, {"DEK", k.DEK}} {
		if len(key.v) != KeyLen {
			return errors.Errorf("static %s key must be %d bytes, got %d", key.name, KeyLen, len(key.v))
		}
	}
	return nil
}

// Wipe zeroes the key material in place.
func (k StaticKeys) Wipe() {
	wipe(k.ENC)
	wipe(k.MAC)
	wipe(k.DEK)
}

// LoadKeyHexFile loads a 16-byte AES key from a .hex file.
// The file should contain a single line with 32 hexadecimal characters.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseKeyHex(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}

// ParseKeyHex decodes a 32 character hex key.
func ParseKeyHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*KeyLen {
		return nil, fmt.Errorf("key must be %d hex chars, got %d", 2*KeyLen, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %v", err)
	}
	return key, nil
}

// LoadStaticKeys reads the three static keys from hex files.
func LoadStaticKeys(encPath, macPath, dekPath string) (StaticKeys, error) {
	var keys StaticKeys
	var err error
	if keys.ENC, err = LoadKeyHexFile(encPath); err != nil {
		return StaticKeys{}, errors.Wrap(err, "ENC key")
	}
	if keys.MAC, err = LoadKeyHexFile(macPath); err != nil {
		return StaticKeys{}, errors.Wrap(err, "MAC key")
	}
	if keys.DEK, err = LoadKeyHexFile(dekPath); err != nil {
		return StaticKeys{}, errors.Wrap(err, "DEK key")
	}
	return keys, nil
}
