// Package durable implements the write-to-temp + fsync + rename primitive
// used by every durably-persisted file in the agent (state snapshot,
// learning memory, trade ledger mirror). Per §9's re-architecture note,
// this replaces the source material's ad-hoc file writes with one
// deterministic primitive.
package durable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// WriteBytes performs an atomic write: write to a temp file in the same
// directory, fsync, then rename over the target. Rename is atomic on the
// same filesystem, so readers never observe a torn write.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("durable: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("durable: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("durable: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("durable: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("durable: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("durable: rename: %w", err)
	}
	return nil
}

// Envelope wraps a durable snapshot payload with a monotonic version
// counter, letting a reconciler detect torn or out-of-order reads.
type Envelope[T any] struct {
	Version int `json:"version" msgpack:"version"`
	Payload T   `json:"payload" msgpack:"payload"`
}

// WriteMsgpack serializes v as a msgpack Envelope and writes it atomically.
// This is the binary on-disk representation; WriteJSONMirror produces the
// human-inspectable companion with the same payload shape (§9).
func WriteMsgpack[T any](path string, version int, payload T) error {
	env := Envelope[T]{Version: version, Payload: payload}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("durable: marshal msgpack: %w", err)
	}
	return WriteBytes(path, data)
}

// ReadMsgpack reads and decodes a msgpack Envelope previously written by
// WriteMsgpack. A missing file returns os.ErrNotExist unwrapped so callers
// can distinguish "never written" from "corrupt".
func ReadMsgpack[T any](path string) (Envelope[T], error) {
	var env Envelope[T]
	data, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("durable: unmarshal msgpack (possibly corrupt): %w", err)
	}
	return env, nil
}

// WriteJSONMirror writes the human-inspectable JSON companion of a
// snapshot, deterministic (stable key ordering via struct field order,
// per §9).
func WriteJSONMirror[T any](path string, version int, payload T) error {
	env := Envelope[T]{Version: version, Payload: payload}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("durable: marshal json: %w", err)
	}
	return WriteBytes(path, data)
}
