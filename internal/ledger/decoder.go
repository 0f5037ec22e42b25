package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// FieldType is a primitive in the on-ledger account layout.
type FieldType int

const (
	U8 FieldType = iota
	U64
	Pubkey
)

func (t FieldType) size() int {
	switch t {
	case U8:
		return 1
	case U64:
		return 8
	case Pubkey:
		return 32
	}
	return 0
}

// Field is one entry of a fixed-offset schema. Optional fields are preceded by
// a one-byte presence flag; a zero flag means the field is absent and no
// further bytes are consumed for it.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

var ErrTruncated = errors.New("account data truncated")

// Value is a decoded field. Exactly one of the members is meaningful,
// depending on the field type.
type Value struct {
	U8     uint8
	U64    uint64
	Pubkey string
}

// Decode walks data according to schema. Absent optional fields are omitted
// from the result.
func Decode(data []byte, schema []Field) (map[string]Value, error) {
	offset := 0
	out := make(map[string]Value, len(schema))

	for _, f := range schema {
		if f.Optional {
			if offset >= len(data) {
				return nil, fmt.Errorf("%w: presence flag for %s at offset %d", ErrTruncated, f.Name, offset)
			}
			flag := data[offset]
			offset++
			if flag == 0 {
				continue
			}
		}

		size := f.Type.size()
		if size == 0 {
			return nil, fmt.Errorf("unknown type for field %s", f.Name)
		}
		if offset+size > len(data) {
			return nil, fmt.Errorf("%w: field %s needs %d bytes at offset %d", ErrTruncated, f.Name, size, offset)
		}

		chunk := data[offset : offset+size]
		switch f.Type {
		case U8:
			out[f.Name] = Value{U8: chunk[0]}
		case U64:
			out[f.Name] = Value{U64: binary.LittleEndian.Uint64(chunk)}
		case Pubkey:
			out[f.Name] = Value{Pubkey: base58.Encode(chunk)}
		}
		offset += size
	}

	return out, nil
}
