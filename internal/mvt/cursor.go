package mvt

import "encoding/binary"

// cursor protobuf 线格式字节游标
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) eof() bool {
	return c.pos >= len(c.buf)
}

// tag 读取字段号和线类型
func (c *cursor) tag() (field uint64, wire int, err error) {
	v, err := c.varint()
	if err != nil {
		return 0, 0, err
	}
	return v >> 3, int(v & 0x7), nil
}

func (c *cursor) varint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if c.pos >= len(c.buf) {
			return 0, errTruncated
		}
		b := c.buf[c.pos]
		c.pos++
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errTruncated
		}
	}
}

// bytes 读取长度前缀字段
func (c *cursor) bytes() ([]byte, error) {
	n, err := c.varint()
	if err != nil {
		return nil, err
	}
	if uint64(len(c.buf)-c.pos) < n {
		return nil, errTruncated
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

func (c *cursor) fixed32() (uint32, error) {
	if len(c.buf)-c.pos < 4 {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) fixed64() (uint64, error) {
	if len(c.buf)-c.pos < 8 {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// skip 跳过不认识的字段
func (c *cursor) skip(wire int) error {
	switch wire {
	case 0:
		_, err := c.varint()
		return err
	case 1:
		_, err := c.fixed64()
		return err
	case 2:
		_, err := c.bytes()
		return err
	case 5:
		_, err := c.fixed32()
		return err
	}
	return errTruncated
}
