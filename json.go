package binlog

import (
	"encoding/binary"
	"math"
	"time"
)

// https://dev.mysql.com/worklog/task/?id=8132#tabs-8132-4
type jsonDecoder struct{}

const (
	jsonSmallObj byte = iota
	jsonLargeObj
	jsonSmallArr
	jsonLargeArr
	jsonLiteral
	jsonInt16
	jsonUInt16
	jsonInt32
	jsonUInt32
	jsonInt64
	jsonUInt64
	jsonDouble
	jsonString
	jsonCustom = 0x0f
)

// jsonMaxDepth bounds how deeply nested a JSONB container may be before
// decodeValue gives up, so an adversarial column value can't be crafted to
// exhaust memory or (were this recursive) the goroutine stack.
const jsonMaxDepth = 1024

// Opaque is the value surfaced for a JSONB scalar whose type byte this
// decoder does not recognize: the reifier carries the raw type tag and
// bytes forward instead of failing, so decoding a row never depends on
// exactly which MySQL revision produced it.
type Opaque struct {
	Type  ColumnType
	Bytes []byte
}

// jsonJob is one pending unit of work in decodeValue's explicit stack: decode
// the value at data (tagged by typ) and hand the result to set. Containers
// push one job per offset-referenced element instead of recursing, so
// depth is tracked explicitly rather than riding the Go call stack.
type jsonJob struct {
	typ   byte
	data  []byte
	depth int
	set   func(interface{})
}

// decodeValue reifies a MySQL JSONB binary value into a Go value: nil,
// bool, an integer/float kind, string, []interface{}, map[string]interface{},
// or Opaque for an unrecognized scalar type.
func (d *jsonDecoder) decodeValue(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, jsonTruncated(1, 0)
	}

	var result interface{}
	stack := []jsonJob{{
		typ:   data[0],
		data:  data[1:],
		depth: 1,
		set:   func(v interface{}) { result = v },
	}}
	for len(stack) > 0 {
		job := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if job.depth > jsonMaxDepth {
			return nil, newErrf(KindProtocolViolation, nil, "json: container nesting exceeds depth limit %d", jsonMaxDepth)
		}
		v, children, err := d.decodeValueType(job.typ, job.data, job.depth)
		if err != nil {
			return nil, err
		}
		job.set(v)
		stack = append(stack, children...)
	}
	return result, nil
}

// decodeValueType decodes one tagged value. For a container it returns the
// (initially empty) map/slice plus the child jobs the caller's stack must
// still run to populate it; for a scalar it returns the final value and no
// children.
func (d *jsonDecoder) decodeValueType(typ byte, data []byte, depth int) (interface{}, []jsonJob, error) {
	switch typ {
	case jsonSmallObj:
		return d.decodeComposite(data, true, true, depth)
	case jsonLargeObj:
		return d.decodeComposite(data, false, true, depth)
	case jsonSmallArr:
		return d.decodeComposite(data, true, false, depth)
	case jsonLargeArr:
		return d.decodeComposite(data, false, false, depth)
	case jsonLiteral:
		v, err := d.decodeLiteral(data)
		return v, nil, err
	case jsonInt16:
		v, err := d.decodeUInt16(data)
		return int16(v), nil, err
	case jsonUInt16:
		v, err := d.decodeUInt16(data)
		return v, nil, err
	case jsonInt32:
		v, err := d.decodeUInt32(data)
		return int32(v), nil, err
	case jsonUInt32:
		v, err := d.decodeUInt32(data)
		return v, nil, err
	case jsonInt64:
		v, err := d.decodeUInt64(data)
		return int64(v), nil, err
	case jsonUInt64:
		v, err := d.decodeUInt64(data)
		return v, nil, err
	case jsonDouble:
		v, err := d.decodeUInt64(data)
		return math.Float64frombits(v), nil, err
	case jsonString:
		v, err := d.decodeString(data)
		return v, nil, err
	case jsonCustom:
		v, err := d.decodeCustom(data)
		return v, nil, err
	}
	return Opaque{Type: ColumnType(typ), Bytes: append([]byte(nil), data...)}, nil, nil
}

// decodeComposite decodes an object/array header and its key table (for
// objects), builds the result container, and returns it together with one
// jsonJob per offset-referenced element — inline scalar elements (literal,
// int16/uint16, and int32/uint32 for large containers) are decoded
// immediately since they can never themselves be containers.
func (d *jsonDecoder) decodeComposite(data []byte, small, obj bool, depth int) (interface{}, []jsonJob, error) {
	var off int
	decodeUInt := func() (uint32, error) {
		if small {
			v, err := d.decodeUInt16(data[off:])
			if err != nil {
				return 0, err
			}
			off += 2
			return uint32(v), nil
		}
		v, err := d.decodeUInt32(data[off:])
		off += 4
		return v, err
	}
	elemCount, err := decodeUInt()
	if err != nil {
		return nil, nil, err
	}
	if _, err := decodeUInt(); err != nil { // total size, bounds already enforced per-field below
		return nil, nil, err
	}

	var keys []string
	if obj {
		keys = make([]string, elemCount)
		for i := uint32(0); i < elemCount; i++ {
			keyOff, err := decodeUInt()
			if err != nil {
				return nil, nil, err
			}
			keyLen, err := d.decodeUInt16(data[off:])
			if err != nil {
				return nil, nil, err
			}
			off += 2
			if len(data) < int(keyOff+uint32(keyLen)) {
				return nil, nil, jsonTruncated(int(keyOff+uint32(keyLen)), len(data))
			}
			keys[i] = string(data[keyOff : keyOff+uint32(keyLen)])
		}
	}

	inlineValue := func(typ byte) bool {
		switch typ {
		case jsonLiteral, jsonInt16, jsonUInt16:
			return true
		case jsonInt32, jsonUInt32:
			return !small
		}
		return false
	}

	var result interface{}
	var m map[string]interface{}
	var arr []interface{}
	if obj {
		m = make(map[string]interface{}, elemCount)
		result = m
	} else {
		arr = make([]interface{}, elemCount)
		result = arr
	}

	var children []jsonJob
	for i := uint32(0); i < elemCount; i++ {
		if off >= len(data) {
			return nil, nil, jsonTruncated(off+1, len(data))
		}
		typ := data[off]
		off++
		idx := i
		var set func(interface{})
		if obj {
			set = func(v interface{}) { m[keys[idx]] = v }
		} else {
			set = func(v interface{}) { arr[idx] = v }
		}
		if inlineValue(typ) {
			v, _, err := d.decodeValueType(typ, data[off:], depth)
			if err != nil {
				return nil, nil, err
			}
			set(v)
			if small {
				off += 2
			} else {
				off += 4
			}
		} else {
			valueOff, err := decodeUInt()
			if err != nil {
				return nil, nil, err
			}
			if int(valueOff) > len(data) {
				return nil, nil, jsonTruncated(int(valueOff), len(data))
			}
			children = append(children, jsonJob{typ: typ, data: data[valueOff:], depth: depth + 1, set: set})
		}
	}

	return result, children, nil
}

func (d *jsonDecoder) decodeLiteral(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, jsonTruncated(1, 0)
	}
	switch data[0] {
	case 0x00:
		return nil, nil
	case 0x01:
		return true, nil
	case 0x02:
		return false, nil
	}
	return nil, newErrf(KindProtocolViolation, nil, "invalid json literal type: 0x%02x", data[0])
}

func (d *jsonDecoder) decodeUInt16(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, jsonTruncated(2, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (d *jsonDecoder) decodeUInt32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, jsonTruncated(4, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (d *jsonDecoder) decodeUInt64(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, jsonTruncated(8, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (d *jsonDecoder) decodeDataLen(data []byte) (uint64, []byte, error) {
	const max = 5 // math.MaxUint32 can be encoded in 5 bytes
	var size uint64
	for i := 0; i < max; i++ {
		if len(data) == 0 {
			return 0, data, jsonTruncated(1, 0)
		}
		v := data[0]
		data = data[1:]
		size |= uint64(v&0x7F) << uint(7*i)
		if highBit := v & (1 << 7); highBit == 0 {
			return size, data, nil
		}
	}
	return 0, nil, newErr(KindProtocolViolation, "json: variable-length size exceeds 5 bytes", nil)
}

func (d *jsonDecoder) decodeString(data []byte) (string, error) {
	size, data, err := d.decodeDataLen(data)
	if err != nil {
		return "", err
	}
	if len(data) < int(size) {
		return "", jsonTruncated(int(size), len(data))
	}
	return string(data[:size]), nil
}

func (d *jsonDecoder) decodeCustom(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, jsonTruncated(1, 0)
	}
	typ := data[0]
	data = data[1:]
	size, data, err := d.decodeDataLen(data)
	if err != nil {
		return nil, err
	}
	if len(data) < int(size) {
		return nil, jsonTruncated(int(size), len(data))
	}

	switch ColumnType(typ) {
	case TypeNewDecimal:
		if len(data) < 2 {
			return nil, jsonTruncated(2, len(data))
		}
		precision := int(data[0])
		scale := int(data[1])
		return decodeDecimal(data[2:], precision, scale)
	case TypeTime:
		if len(data) < 8 {
			return nil, jsonTruncated(8, len(data))
		}
		v := int64(binary.LittleEndian.Uint64(data))
		var hour, min, sec, frac int64
		var sign = 1
		if v != 0 {
			if v < 0 {
				v = -v
				sign = -1
			}
			frac = v % (1 << 24)
			v = v >> 24
			hour = (v >> 12) % (1 << 10)
			min = (v >> 6) % (1 << 6)
			sec = v % (1 << 6)
		}
		return time.Duration(sign) * (time.Duration(hour)*time.Hour +
			time.Duration(min)*time.Minute +
			time.Duration(sec)*time.Second +
			time.Duration(frac)*time.Microsecond), nil
	case TypeDate, TypeDateTime, TypeTimestamp:
		if len(data) < 8 {
			return nil, jsonTruncated(8, len(data))
		}
		v := binary.LittleEndian.Uint64(data)
		var year, month, day, hour, min, sec, frac uint64
		if v != 0 {
			if v < 0 {
				v = -v
			}
			frac = v % (1 << 24)
			v = v >> 24
			ymd := v >> 17
			ym := ymd >> 5
			year, month, day = ym/13, ym%13, ymd%(1<<5)
			hms := v % (1 << 17)
			hour, min, sec = hms>>12, (hms>>6)%(1<<6), hms%(1<<6)
		}
		var loc = time.UTC
		if ColumnType(typ) == TypeTimestamp {
			loc = time.Local
		}
		return time.Date(int(year), time.Month(month), int(day), int(hour), int(min), int(sec), int(frac*1000), loc), nil
	default:
		return Opaque{Type: ColumnType(typ), Bytes: append([]byte(nil), data...)}, nil
	}
}

// jsonTruncated reports a JSONB value that ran out of bytes mid-decode,
// the JSON-reifier counterpart to reader.go's cursor-level truncated reads.
func jsonTruncated(requested, available int) error {
	return newErrf(KindTruncated, nil, "json: truncated value: requested %d bytes, %d available", requested, available)
}
