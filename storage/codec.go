/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/acronis/go-ratelimit/ratelimit"
)

// s2Magic prefixes compressed payloads so that the codec can decode both
// compressed and plain values regardless of its own Compression setting.
// The prefix byte cannot start a JSON document.
const s2Magic = 0x01

// Codec serializes state for remote backends. The zero value encodes plain JSON.
type Codec struct {
	// Compression enables s2 compression of encoded payloads. Small payloads
	// that would not shrink are stored uncompressed anyway.
	Compression bool
}

// Encode serializes the state.
func (c Codec) Encode(st *ratelimit.State) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if !c.Compression {
		return raw, nil
	}
	compressed := s2.Encode(nil, raw)
	if len(compressed)+1 >= len(raw) {
		return raw, nil
	}
	return append([]byte{s2Magic}, compressed...), nil
}

// Decode deserializes the state.
func (c Codec) Decode(data []byte) (*ratelimit.State, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode state: empty payload")
	}
	if data[0] == s2Magic {
		raw, err := s2.Decode(nil, data[1:])
		if err != nil {
			return nil, fmt.Errorf("decompress state: %w", err)
		}
		data = raw
	}
	var st ratelimit.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}
