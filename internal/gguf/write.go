package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// KeyValue is one typed header entry for WriteFile.
type KeyValue struct {
	Key   string
	Value any
}

// WriteFile emits a minimal v3 GGUF file with the given header entries and
// padBytes of opaque payload after the header, standing in for tensor data.
// Used by tests and tooling; it writes no tensor infos.
func WriteFile(path string, kvs []KeyValue, padBytes int) error {
	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, magic)
	binary.Write(&buf, le, uint32(3))
	binary.Write(&buf, le, uint64(0)) // tensor count
	binary.Write(&buf, le, uint64(len(kvs)))
	for _, kv := range kvs {
		writeString(&buf, kv.Key)
		if err := writeValue(&buf, kv.Value); err != nil {
			return fmt.Errorf("write %s: %w", kv.Key, err)
		}
	}
	if padBytes > 0 {
		buf.Write(make([]byte, padBytes))
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, v any) error {
	le := binary.LittleEndian
	switch x := v.(type) {
	case string:
		binary.Write(buf, le, typeString)
		writeString(buf, x)
	case uint32:
		binary.Write(buf, le, typeUint32)
		binary.Write(buf, le, x)
	case int32:
		binary.Write(buf, le, typeInt32)
		binary.Write(buf, le, x)
	case uint64:
		binary.Write(buf, le, typeUint64)
		binary.Write(buf, le, x)
	case float32:
		binary.Write(buf, le, typeFloat32)
		binary.Write(buf, le, x)
	case bool:
		binary.Write(buf, le, typeBool)
		binary.Write(buf, le, x)
	case []string:
		binary.Write(buf, le, typeArray)
		binary.Write(buf, le, typeString)
		binary.Write(buf, le, uint64(len(x)))
		for _, s := range x {
			writeString(buf, s)
		}
	case []uint32:
		binary.Write(buf, le, typeArray)
		binary.Write(buf, le, typeUint32)
		binary.Write(buf, le, uint64(len(x)))
		for _, n := range x {
			binary.Write(buf, le, n)
		}
	default:
		return fmt.Errorf("%w writer value type %T", ErrUnsupported, v)
	}
	return nil
}
