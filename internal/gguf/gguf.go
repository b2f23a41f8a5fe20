// Package gguf reads the metadata header of GGUF model weight files.
// Only the key/value section is ever decoded; tensor payloads are never
// touched, which keeps offload estimation cheap even for multi-GB files.
package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// value type tags as defined by the GGUF container format
const (
	typeUint8 uint32 = iota
	typeInt8
	typeUint16
	typeInt16
	typeUint32
	typeInt32
	typeFloat32
	typeBool
	typeString
	typeArray
	typeUint64
	typeInt64
	typeFloat64
)

const magic uint32 = 0x46554747 // "GGUF" little-endian

// Hard caps on header fields. Real models carry well under a hundred KV
// entries and header strings of at most a few KiB (chat templates); anything
// past these bounds is a corrupt or hostile file and must come back as a
// load error, never an allocation blowup or a slice panic.
const (
	maxKVCount   = 1 << 16
	maxStringLen = 1 << 20
)

// ErrUnsupported is returned for non-GGUF files and pre-v2 containers.
var ErrUnsupported = errors.New("unsupported")

// Metadata is the subset of header fields the worker needs.
type Metadata struct {
	Architecture    string
	LayerCount      int    // transformer block count
	EstimatedMemory uint64 // bytes to hold the full model in accelerator memory
}

type reader struct {
	r   *bufio.Reader
	bts []byte
}

// ReadMetadata parses path's GGUF header. The memory estimate is the weight
// file size: tensor data dominates a GGUF file, so header overhead is noise.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	rd := &reader{r: bufio.NewReaderSize(f, 32<<10), bts: make([]byte, 4096)}

	var hdr struct {
		Magic   uint32
		Version uint32
	}
	if err := binary.Read(rd.r, binary.LittleEndian, &hdr); err != nil {
		return Metadata{}, fmt.Errorf("gguf header: %w", err)
	}
	if hdr.Magic != magic {
		return Metadata{}, fmt.Errorf("%w file magic %x", ErrUnsupported, hdr.Magic)
	}
	if hdr.Version < 2 {
		return Metadata{}, fmt.Errorf("%w version %d", ErrUnsupported, hdr.Version)
	}

	var counts struct {
		NumTensor uint64
		NumKV     uint64
	}
	if err := binary.Read(rd.r, binary.LittleEndian, &counts); err != nil {
		return Metadata{}, fmt.Errorf("gguf counts: %w", err)
	}
	if counts.NumKV > maxKVCount {
		return Metadata{}, fmt.Errorf("%w kv count %d", ErrUnsupported, counts.NumKV)
	}

	kv := make(map[string]any, counts.NumKV)
	for i := uint64(0); i < counts.NumKV; i++ {
		key, val, err := rd.readKeyValue()
		if err != nil {
			return Metadata{}, fmt.Errorf("gguf kv %d: %w", i, err)
		}
		kv[key] = val
	}

	arch, _ := kv["general.architecture"].(string)
	if arch == "" {
		return Metadata{}, fmt.Errorf("gguf: missing general.architecture")
	}
	layers := toInt(kv[arch+".block_count"])
	if layers <= 0 {
		return Metadata{}, fmt.Errorf("gguf: missing or invalid %s.block_count", arch)
	}

	fi, err := f.Stat()
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Architecture:    arch,
		LayerCount:      layers,
		EstimatedMemory: uint64(fi.Size()),
	}, nil
}

func (rd *reader) readKeyValue() (string, any, error) {
	key, err := rd.readString()
	if err != nil {
		return "", nil, err
	}
	t, err := read[uint32](rd)
	if err != nil {
		return "", nil, err
	}
	val, err := rd.readValue(t)
	if err != nil {
		return "", nil, err
	}
	return key, val, nil
}

func (rd *reader) readValue(t uint32) (any, error) {
	switch t {
	case typeUint8:
		return read[uint8](rd)
	case typeInt8:
		return read[int8](rd)
	case typeUint16:
		return read[uint16](rd)
	case typeInt16:
		return read[int16](rd)
	case typeUint32:
		return read[uint32](rd)
	case typeInt32:
		return read[int32](rd)
	case typeUint64:
		return read[uint64](rd)
	case typeInt64:
		return read[int64](rd)
	case typeFloat32:
		return read[float32](rd)
	case typeFloat64:
		return read[float64](rd)
	case typeBool:
		return read[bool](rd)
	case typeString:
		return rd.readString()
	case typeArray:
		return rd.readArray()
	default:
		return nil, fmt.Errorf("%w value type %d", ErrUnsupported, t)
	}
}

func read[T any](rd *reader) (t T, err error) {
	err = binary.Read(rd.r, binary.LittleEndian, &t)
	return t, err
}

func (rd *reader) readString() (string, error) {
	n, err := read[uint64](rd)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w string length %d", ErrUnsupported, n)
	}
	if int(n) > len(rd.bts) {
		rd.bts = make([]byte, n)
	}
	bts := rd.bts[:n]
	if _, err := io.ReadFull(rd.r, bts); err != nil {
		return "", err
	}
	return string(bts), nil
}

// readArray decodes array values. Arrays in the header (token vocabularies
// and the like) are read through but their contents are discarded.
func (rd *reader) readArray() (any, error) {
	t, err := read[uint32](rd)
	if err != nil {
		return nil, err
	}
	n, err := read[uint64](rd)
	if err != nil {
		return nil, err
	}
	switch t {
	case typeString:
		for i := uint64(0); i < n; i++ {
			if _, err := rd.readString(); err != nil {
				return nil, err
			}
		}
	case typeArray:
		return nil, fmt.Errorf("%w nested arrays", ErrUnsupported)
	default:
		size, err := scalarSize(t)
		if err != nil {
			return nil, err
		}
		if _, err := rd.r.Discard(int(n * size)); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func scalarSize(t uint32) (uint64, error) {
	switch t {
	case typeUint8, typeInt8, typeBool:
		return 1, nil
	case typeUint16, typeInt16:
		return 2, nil
	case typeUint32, typeInt32, typeFloat32:
		return 4, nil
	case typeUint64, typeInt64, typeFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w array element type %d", ErrUnsupported, t)
	}
}

// toInt widens any GGUF integer value; block counts appear as uint32 in
// practice but the format allows any integer type. Values outside the int32
// range read as 0, which callers treat as invalid.
func toInt(v any) int {
	switch n := v.(type) {
	case uint8:
		return int(n)
	case int8:
		return int(n)
	case uint16:
		return int(n)
	case int16:
		return int(n)
	case uint32:
		return int(n)
	case int32:
		return int(n)
	case uint64:
		if n > math.MaxInt32 {
			return 0
		}
		return int(n)
	case int64:
		if n < 0 || n > math.MaxInt32 {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}
