package se05x

import (
	"context"
	"encoding/binary"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/pkg/errors"
)

// AppletAID selects the IoT applet.
var AppletAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x96, 0x54, 0x53, 0x00, 0x00, 0x00, 0x01, 0x03, 0x00, 0x00, 0x00, 0x00}

const (
	claPlain = 0x80

	insWrite = 0x01
	insRead  = 0x02
	insMgmt  = 0x04
	insSel   = 0xA4

	p1Default = 0x00
	p1Binary  = 0x06

	p2Default      = 0x00
	p2Version      = 0x20
	p2Memory       = 0x22
	p2Exist        = 0x27
	p2DeleteObject = 0x28
	p2Random       = 0x49

	tag1 = 0x41
	tag2 = 0x42
	tag3 = 0x43
	tag4 = 0x44

	resultSuccess = 0x01
	resultFailure = 0x02

	versionNe = 11
)

// MemoryType selects the memory GetFreeMemory reports on.
type MemoryType byte

const (
	MemoryPersistent        MemoryType = 0x01
	MemoryTransientReset    MemoryType = 0x02
	MemoryTransientDeselect MemoryType = 0x03
)

// tlvHeaderLen is the size of a tag plus a BER length for n value bytes.
func tlvHeaderLen(n int) int {
	switch {
	case n < 0x80:
		return 2
	case n <= 0xFF:
		return 3
	}
	return 4
}

func objectTLV(id uint32) []byte {
	return apdu.AppendTLV(nil, tag1, binary.BigEndian.AppendUint32(nil, id))
}

func u16(v int) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(v))
}

// check converts a non-success status word into an *apdu.SWError.
func check(resp apdu.Response, err error, ins byte) (apdu.Response, error) {
	if err != nil {
		return resp, err
	}
	if !resp.IsSuccess() {
		return resp, resp.Err(ins)
	}
	return resp, nil
}

// Select selects the applet and returns its version record. SELECT always travels
// plain, even while a channel is open.
func (d *Driver) Select(ctx context.Context) (Version, error) {
	cmd := apdu.Command{Cla: 0x00, Ins: insSel, P1: 0x04, P2: 0x00, Data: AppletAID, Ne: apdu.MaxShortNe}
	resp, err := d.SendPlain(ctx, cmd)
	if resp, err = check(resp, err, insSel); err != nil {
		return Version{}, errors.Wrap(err, "select applet")
	}
	return ParseVersion(resp.Data)
}

func (d *Driver) mgmt(ctx context.Context, p2 byte, data []byte, ne int) ([]byte, error) {
	cmd := apdu.Command{Cla: claPlain, Ins: insMgmt, P1: p1Default, P2: p2, Data: data, Ne: ne}
	resp, err := d.Send(ctx, cmd)
	if resp, err = check(resp, err, insMgmt); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetVersion returns the applet version record.
func (d *Driver) GetVersion(ctx context.Context) (Version, error) {
	data, err := d.mgmt(ctx, p2Version, nil, versionNe)
	if err != nil {
		return Version{}, errors.Wrap(err, "get version")
	}
	v, err := apdu.FindTLV(data, tag1)
	if err != nil {
		return Version{}, errors.Wrap(err, "get version")
	}
	return ParseVersion(v)
}

// GetRandom returns n random bytes from the chip.
func (d *Driver) GetRandom(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 || n > 0xFFFF-4 {
		return nil, errors.Errorf("random length %d out of range", n)
	}
	data, err := d.mgmt(ctx, p2Random, apdu.AppendTLV(nil, tag1, u16(n)), n+tlvHeaderLen(n))
	if err != nil {
		return nil, errors.Wrap(err, "get random")
	}
	v, err := apdu.FindTLV(data, tag1)
	if err != nil {
		return nil, errors.Wrap(err, "get random")
	}
	if len(v) != n {
		return nil, errors.Errorf("get random: asked for %d bytes, got %d", n, len(v))
	}
	return v, nil
}

// GetFreeMemory returns the free bytes of the given memory, capped at 0xFFFF by the chip.
func (d *Driver) GetFreeMemory(ctx context.Context, mem MemoryType) (int, error) {
	data, err := d.mgmt(ctx, p2Memory, apdu.AppendTLV(nil, tag1, []byte{byte(mem)}), 4)
	if err != nil {
		return 0, errors.Wrap(err, "get free memory")
	}
	v, err := apdu.FindTLV(data, tag1)
	if err != nil || len(v) != 2 {
		return 0, errors.Errorf("get free memory: malformed response % X", data)
	}
	return int(binary.BigEndian.Uint16(v)), nil
}

// CheckObjectExists reports whether a secure object with id exists.
func (d *Driver) CheckObjectExists(ctx context.Context, id uint32) (bool, error) {
	data, err := d.mgmt(ctx, p2Exist, objectTLV(id), 3)
	if err != nil {
		return false, errors.Wrapf(err, "check object %08X", id)
	}
	v, err := apdu.FindTLV(data, tag1)
	if err != nil || len(v) != 1 {
		return false, errors.Errorf("check object %08X: malformed response % X", id, data)
	}
	switch v[0] {
	case resultSuccess:
		return true, nil
	case resultFailure:
		return false, nil
	}
	return false, errors.Errorf("check object %08X: unknown result %02X", id, v[0])
}

// DeleteSecureObject deletes the object with id.
func (d *Driver) DeleteSecureObject(ctx context.Context, id uint32) error {
	if _, err := d.mgmt(ctx, p2DeleteObject, objectTLV(id), 0); err != nil {
		return errors.Wrapf(err, "delete object %08X", id)
	}
	return nil
}

// ReadObject returns the whole content of a binary object.
func (d *Driver) ReadObject(ctx context.Context, id uint32) ([]byte, error) {
	return d.readObject(ctx, id, -1, 0)
}

// ReadObjectRange returns length bytes of a binary object starting at offset.
func (d *Driver) ReadObjectRange(ctx context.Context, id uint32, offset, length int) ([]byte, error) {
	if offset < 0 || offset > 0xFFFF || length <= 0 || length > 0xFFFF {
		return nil, errors.Errorf("read range %d+%d out of range", offset, length)
	}
	return d.readObject(ctx, id, offset, length)
}

func (d *Driver) readObject(ctx context.Context, id uint32, offset, length int) ([]byte, error) {
	data := objectTLV(id)
	ne := apdu.MaxExtendedNe
	if offset >= 0 {
		data = apdu.AppendTLV(data, tag2, u16(offset))
		data = apdu.AppendTLV(data, tag3, u16(length))
		ne = length + tlvHeaderLen(length)
	}
	cmd := apdu.Command{Cla: claPlain, Ins: insRead, P1: p1Default, P2: p2Default, Data: data, Ne: ne}
	resp, err := d.Send(ctx, cmd)
	if resp, err = check(resp, err, insRead); err != nil {
		return nil, errors.Wrapf(err, "read object %08X", id)
	}
	v, err := apdu.FindTLV(resp.Data, tag1)
	if err != nil {
		return nil, errors.Wrapf(err, "read object %08X", id)
	}
	return v, nil
}

// writeOverhead is the TLV framing of a WRITE BINARY besides the data value:
// object id (6), offset (4), file length (4) and the data tag with a 3-byte length.
const writeOverhead = 6 + 4 + 4 + 3

// WriteBinary creates (or overwrites from offset 0) a binary object holding data. Data
// that does not fit one short command is written in chunks at increasing offsets.
func (d *Driver) WriteBinary(ctx context.Context, id uint32, data []byte) error {
	if len(data) == 0 || len(data) > 0xFFFF {
		return errors.Errorf("binary object size %d out of range", len(data))
	}
	chunk := d.MaxCommandPayload() - writeOverhead
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		body := objectTLV(id)
		if off == 0 {
			body = apdu.AppendTLV(body, tag3, u16(len(data)))
		} else {
			body = apdu.AppendTLV(body, tag2, u16(off))
		}
		body = apdu.AppendTLV(body, tag4, data[off:end])

		cmd := apdu.Command{Cla: claPlain, Ins: insWrite, P1: p1Binary, P2: p2Default, Data: body}
		resp, err := d.Send(ctx, cmd)
		if _, err = check(resp, err, insWrite); err != nil {
			return errors.Wrapf(err, "write object %08X at %d", id, off)
		}
	}
	return nil
}
