package router

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Binary project-vector cache. Layout, little-endian:
//
//	magic    "ATMV"
//	version  uint32
//	key      32 bytes, sha256 over the sorted path set
//	dim      uint32
//	count    uint32
//	rows     count x { pathLen uint16, path, dim x float32 }
//
// The key ties the cache to the exact set of project paths; any change
// to the registry regenerates it.

const (
	vectorCacheMagic   = "ATMV"
	vectorCacheVersion = 1
)

func cacheKey(paths []string) [32]byte {
	return sha256.Sum256([]byte(strings.Join(sortedPaths(paths), "\n")))
}

func saveVectorCache(path string, paths []string, matrix [][]float32) error {
	if len(paths) != len(matrix) {
		return fmt.Errorf("vector cache: %d paths but %d rows", len(paths), len(matrix))
	}
	dim := 0
	if len(matrix) > 0 {
		dim = len(matrix[0])
	}

	var buf bytes.Buffer
	buf.WriteString(vectorCacheMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(vectorCacheVersion))
	key := cacheKey(paths)
	buf.Write(key[:])
	binary.Write(&buf, binary.LittleEndian, uint32(dim))
	binary.Write(&buf, binary.LittleEndian, uint32(len(matrix)))

	for i, row := range matrix {
		if len(row) != dim {
			return fmt.Errorf("vector cache: row %d has dim %d, want %d", i, len(row), dim)
		}
		if len(paths[i]) > math.MaxUint16 {
			return fmt.Errorf("vector cache: path too long: %s", paths[i])
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(paths[i])))
		buf.WriteString(paths[i])
		for _, v := range row {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write vector cache: %w", err)
	}
	return nil
}

// loadVectorCache returns rows ordered to match wantPaths. Any
// mismatch, in key, dimension, or membership, is an error so the caller
// regenerates.
func loadVectorCache(path string, wantPaths []string, wantDim int) ([][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != vectorCacheMagic {
		return nil, fmt.Errorf("vector cache: bad magic")
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != vectorCacheVersion {
		return nil, fmt.Errorf("vector cache: unsupported version")
	}
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("vector cache: truncated key")
	}
	if key != cacheKey(wantPaths) {
		return nil, fmt.Errorf("vector cache: project set changed")
	}
	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("vector cache: truncated header")
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("vector cache: truncated header")
	}
	if wantDim > 0 && int(dim) != wantDim {
		return nil, fmt.Errorf("vector cache: dimension %d, want %d", dim, wantDim)
	}
	if int(count) != len(wantPaths) {
		return nil, fmt.Errorf("vector cache: %d rows, want %d", count, len(wantPaths))
	}

	byPath := make(map[string][]float32, count)
	for i := 0; i < int(count); i++ {
		var pathLen uint16
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			return nil, fmt.Errorf("vector cache: truncated row header")
		}
		pb := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pb); err != nil {
			return nil, fmt.Errorf("vector cache: truncated path")
		}
		row := make([]float32, dim)
		for j := range row {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, fmt.Errorf("vector cache: truncated vector")
			}
			row[j] = math.Float32frombits(bits)
		}
		byPath[string(pb)] = row
	}

	out := make([][]float32, len(wantPaths))
	for i, p := range wantPaths {
		row, ok := byPath[p]
		if !ok {
			return nil, fmt.Errorf("vector cache: missing project %s", p)
		}
		out[i] = row
	}
	return out, nil
}
