package simchip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/barnettlynn/se05x/pkg/apdu"
)

// Applet instruction set subset.
const (
	insWrite = 0x01
	insRead  = 0x02
	insMgmt  = 0x04

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

	memoryCapacity = 0x8000
)

func sw(code uint16) apdu.Response { return apdu.Response{SW: code} }

func ok(data []byte) apdu.Response { return apdu.Response{Data: data, SW: apdu.SWSuccess} }

func (c *Chip) applet(cmd apdu.Command) apdu.Response {
	if cmd.Cla == 0x00 && cmd.Ins == 0xA4 {
		if cmd.P1 != 0x04 || !bytes.Equal(cmd.Data, AppletAID) {
			return sw(apdu.SWFileNotFound)
		}
		return ok(bytes.Clone(c.version))
	}
	if cmd.Cla != 0x80 {
		return sw(apdu.SWClaNotSupported)
	}

	switch {
	case cmd.Ins == insMgmt && cmd.P2 == p2Version:
		return ok(apdu.AppendTLV(nil, tag1, c.version))
	case cmd.Ins == insMgmt && cmd.P2 == p2Random:
		return c.getRandom(cmd)
	case cmd.Ins == insMgmt && cmd.P2 == p2Memory:
		return c.freeMemory(cmd)
	case cmd.Ins == insMgmt && cmd.P2 == p2Exist:
		id, resp, good := objectID(cmd.Data)
		if !good {
			return resp
		}
		result := byte(0x02)
		if _, found := c.objects[id]; found {
			result = 0x01
		}
		return ok(apdu.AppendTLV(nil, tag1, []byte{result}))
	case cmd.Ins == insMgmt && cmd.P2 == p2DeleteObject:
		id, resp, good := objectID(cmd.Data)
		if !good {
			return resp
		}
		if _, found := c.objects[id]; !found {
			return sw(apdu.SWFileNotFound)
		}
		delete(c.objects, id)
		return sw(apdu.SWSuccess)
	case cmd.Ins == insRead && cmd.P1 == p1Default && cmd.P2 == p2Default:
		return c.readObject(cmd)
	case cmd.Ins == insWrite && cmd.P1 == p1Binary:
		return c.writeBinary(cmd)
	}
	return sw(apdu.SWInsNotSupported)
}

func objectID(data []byte) (uint32, apdu.Response, bool) {
	v, err := apdu.FindTLV(data, tag1)
	if err != nil || len(v) != 4 {
		return 0, sw(apdu.SWWrongData), false
	}
	return binary.BigEndian.Uint32(v), apdu.Response{}, true
}

func u16TLV(data []byte, tag byte) (int, bool, bool) {
	v, err := apdu.FindTLV(data, tag)
	if err != nil {
		return 0, false, true
	}
	if len(v) != 2 {
		return 0, true, false
	}
	return int(binary.BigEndian.Uint16(v)), true, true
}

func (c *Chip) getRandom(cmd apdu.Command) apdu.Response {
	n, present, valid := u16TLV(cmd.Data, tag1)
	if !present || !valid || n == 0 {
		return sw(apdu.SWWrongData)
	}
	hdr := 2
	switch {
	case n > 0xFF:
		hdr = 4
	case n >= 0x80:
		hdr = 3
	}
	if cmd.Ne > 0 && n+hdr > cmd.Ne {
		return sw(apdu.SWWrongLe | uint16(min(cmd.Ne, 0xFF)))
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(c.random, out); err != nil {
		return sw(0x6F00)
	}
	return ok(apdu.AppendTLV(nil, tag1, out))
}

func (c *Chip) freeMemory(cmd apdu.Command) apdu.Response {
	v, err := apdu.FindTLV(cmd.Data, tag1)
	if err != nil || len(v) != 1 {
		return sw(apdu.SWWrongData)
	}
	used := 0
	for _, o := range c.objects {
		used += len(o)
	}
	free := max(memoryCapacity-used, 0)
	if v[0] != 0x01 {
		free = memoryCapacity
	}
	return ok(apdu.AppendTLV(nil, tag1, binary.BigEndian.AppendUint16(nil, uint16(min(free, 0xFFFF)))))
}

func (c *Chip) readObject(cmd apdu.Command) apdu.Response {
	id, resp, good := objectID(cmd.Data)
	if !good {
		return resp
	}
	obj, found := c.objects[id]
	if !found {
		return sw(apdu.SWFileNotFound)
	}
	offset, _, valid := u16TLV(cmd.Data, tag2)
	if !valid {
		return sw(apdu.SWWrongData)
	}
	length, hasLength, valid := u16TLV(cmd.Data, tag3)
	if !valid {
		return sw(apdu.SWWrongData)
	}
	if !hasLength {
		length = len(obj) - offset
	}
	if offset > len(obj) || offset+length > len(obj) {
		return sw(apdu.SWWrongData)
	}
	return ok(apdu.AppendTLV(nil, tag1, obj[offset:offset+length]))
}

func (c *Chip) writeBinary(cmd apdu.Command) apdu.Response {
	id, resp, good := objectID(cmd.Data)
	if !good {
		return resp
	}
	offset, _, valid := u16TLV(cmd.Data, tag2)
	if !valid {
		return sw(apdu.SWWrongData)
	}
	fileLen, hasFileLen, valid := u16TLV(cmd.Data, tag3)
	if !valid {
		return sw(apdu.SWWrongData)
	}
	data, _ := apdu.FindTLV(cmd.Data, tag4)

	obj, found := c.objects[id]
	if !found {
		if !hasFileLen {
			fileLen = offset + len(data)
		}
		obj = make([]byte, fileLen)
	}
	if offset+len(data) > len(obj) {
		return sw(apdu.SWWrongLength)
	}
	copy(obj[offset:], data)
	c.objects[id] = obj
	return sw(apdu.SWSuccess)
}
