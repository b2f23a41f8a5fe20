package gguf

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeModel(t *testing.T, kvs []KeyValue, pad int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.gguf")
	if err := WriteFile(p, kvs, pad); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func TestReadMetadata(t *testing.T) {
	p := writeModel(t, []KeyValue{
		{Key: "general.architecture", Value: "llama"},
		{Key: "general.name", Value: "tiny test model"},
		{Key: "llama.block_count", Value: uint32(32)},
		{Key: "llama.context_length", Value: uint32(4096)},
		{Key: "llama.rope.freq_base", Value: float32(10000)},
		{Key: "tokenizer.ggml.tokens", Value: []string{"a", "b", "c"}},
		{Key: "tokenizer.ggml.token_type", Value: []uint32{1, 1, 1}},
	}, 1024)

	md, err := ReadMetadata(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if md.Architecture != "llama" {
		t.Fatalf("arch: %q", md.Architecture)
	}
	if md.LayerCount != 32 {
		t.Fatalf("layers: %d", md.LayerCount)
	}
	fi, _ := os.Stat(p)
	if md.EstimatedMemory != uint64(fi.Size()) {
		t.Fatalf("estimated memory %d, want file size %d", md.EstimatedMemory, fi.Size())
	}
}

func TestReadMetadataUint64BlockCount(t *testing.T) {
	p := writeModel(t, []KeyValue{
		{Key: "general.architecture", Value: "qwen2"},
		{Key: "qwen2.block_count", Value: uint64(28)},
	}, 0)
	md, err := ReadMetadata(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if md.LayerCount != 28 {
		t.Fatalf("layers: %d", md.LayerCount)
	}
}

func TestReadMetadataRejectsBadMagic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.gguf")
	if err := os.WriteFile(p, []byte("not a gguf file at all........"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMetadata(p); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReadMetadataRejectsV1(t *testing.T) {
	p := filepath.Join(t.TempDir(), "v1.gguf")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	binary.Write(f, binary.LittleEndian, magic)
	binary.Write(f, binary.LittleEndian, uint32(1))
	f.Close()
	if _, err := ReadMetadata(p); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReadMetadataMissingBlockCount(t *testing.T) {
	p := writeModel(t, []KeyValue{
		{Key: "general.architecture", Value: "llama"},
	}, 0)
	if _, err := ReadMetadata(p); err == nil {
		t.Fatalf("expected error for missing block_count")
	}
}

func TestReadMetadataTruncatedHeader(t *testing.T) {
	p := writeModel(t, []KeyValue{
		{Key: "general.architecture", Value: "llama"},
		{Key: "llama.block_count", Value: uint32(8)},
	}, 0)
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	trunc := filepath.Join(t.TempDir(), "trunc.gguf")
	if err := os.WriteFile(trunc, b[:len(b)-10], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMetadata(trunc); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}

func TestReadMetadataRejectsHugeKVCount(t *testing.T) {
	p := filepath.Join(t.TempDir(), "kvbomb.gguf")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	binary.Write(f, binary.LittleEndian, magic)
	binary.Write(f, binary.LittleEndian, uint32(3))
	binary.Write(f, binary.LittleEndian, uint64(0))     // tensors
	binary.Write(f, binary.LittleEndian, uint64(1<<40)) // kv entries
	f.Close()
	if _, err := ReadMetadata(p); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReadMetadataRejectsHugeStringLength(t *testing.T) {
	p := filepath.Join(t.TempDir(), "strbomb.gguf")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	binary.Write(f, binary.LittleEndian, magic)
	binary.Write(f, binary.LittleEndian, uint32(3))
	binary.Write(f, binary.LittleEndian, uint64(0)) // tensors
	binary.Write(f, binary.LittleEndian, uint64(1)) // kv entries
	// Key length far past any sane header string; must come back as an
	// unsupported-file error, not an allocation or slice panic.
	binary.Write(f, binary.LittleEndian, uint64(1)<<62)
	f.Close()
	if _, err := ReadMetadata(p); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReadMetadataRejectsOversizedBlockCount(t *testing.T) {
	p := writeModel(t, []KeyValue{
		{Key: "general.architecture", Value: "llama"},
		{Key: "llama.block_count", Value: uint64(1) << 40},
	}, 0)
	if _, err := ReadMetadata(p); err == nil {
		t.Fatalf("expected error for block_count past int32 range")
	}
}
