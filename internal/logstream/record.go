package logstream

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | value | crc32c(header|value)
// where header is key(8B BE) | metadata.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned when a stored record fails to decode.
var ErrCorruptRecord = errors.New("corrupt log record")

const keyLen = 8

func encodeRecord(r Record) []byte {
	hlen := keyLen + len(r.Metadata)
	out := make([]byte, 0, binary.MaxVarintLen64+hlen+len(r.Value)+4)
	out = binary.AppendUvarint(out, uint64(hlen))
	start := len(out)
	out = binary.BigEndian.AppendUint64(out, uint64(r.Key))
	out = append(out, r.Metadata...)
	out = append(out, r.Value...)

	crc := crc32.Update(0, castagnoli, out[start:])
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(position int64, b []byte) (Entry, error) {
	if len(b) < 1+keyLen+4 {
		return Entry{}, ErrCorruptRecord
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen < keyLen || n+int(hlen)+4 > len(b) {
		return Entry{}, ErrCorruptRecord
	}
	body := b[n : len(b)-4]
	if crc32.Update(0, castagnoli, body) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Entry{}, ErrCorruptRecord
	}

	header := body[:hlen]
	return Entry{
		Position: position,
		Key:      int64(binary.BigEndian.Uint64(header[:keyLen])),
		Metadata: append([]byte(nil), header[keyLen:]...),
		Value:    append([]byte(nil), body[hlen:]...),
	}, nil
}
