// Package validator classifies WebAssembly binaries by their preamble.
//
// Both core modules and components start with the same magic bytes; the
// 32-bit field that follows is split into a 16-bit version and a 16-bit
// layer. Core modules are version 1, layer 0. Components use layer 1 with
// a pre-release version number that changes between encodings.
package validator

import (
	"bytes"
	"encoding/binary"

	"github.com/gnufoo/MeCP/errors"
)

// Class is the result of classifying a byte buffer.
type Class uint8

const (
	Invalid Class = iota
	CoreModule
	Component
)

func (c Class) String() string {
	switch c {
	case CoreModule:
		return "core-module"
	case Component:
		return "component"
	default:
		return "invalid"
	}
}

// HeaderSize is the length of the magic prefix plus the version/layer field.
const HeaderSize = 8

var magic = []byte{0x00, 0x61, 0x73, 0x6D}

const (
	layerCore      = 0
	layerComponent = 1
	coreVersion    = 1
)

// Classify inspects the preamble of b. It never reads past the header.
func Classify(b []byte) Class {
	c, _ := classify(b)
	return c
}

// Validate returns nil when b is a component and a structured
// invalid_binary error describing the first failing check otherwise.
func Validate(b []byte) error {
	c, err := classify(b)
	if err != nil {
		return err
	}
	if c == CoreModule {
		return errors.InvalidBinary("core module given where a component is required")
	}
	return nil
}

func classify(b []byte) (Class, error) {
	if len(b) < HeaderSize {
		return Invalid, errors.InvalidBinary("binary too short: need %d bytes, got %d", HeaderSize, len(b))
	}
	if !bytes.Equal(b[:4], magic) {
		return Invalid, errors.InvalidBinary("bad magic prefix % x", b[:4])
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	layer := binary.LittleEndian.Uint16(b[6:8])
	switch {
	case layer == layerCore && version == coreVersion:
		return CoreModule, nil
	case layer == layerComponent && version != 0:
		return Component, nil
	default:
		return Invalid, errors.InvalidBinary("unknown version %d / layer %d", version, layer)
	}
}
