// Package rtcfgblob decodes the opaque configuration blob RTcfg's
// STAGE_1_CFG/STAGE_2_CFG frames carry once a client has reassembled
// every fragment. RTcfg itself never interprets the blob's bytes (the
// wire layer only moves them), so decoding lives in its own package.
package rtcfgblob

import (
	"rtnet/internal/errcode"

	"github.com/andreyvit/tinyjson"
)

// Decode parses raw as a JSON object. It returns an error if raw is
// not a JSON object or has trailing bytes after the value.
func Decode(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return nil, errcode.Wrap("rtcfgblob.Decode", errcode.BadPayload, nil)
	}
	return m, nil
}

// Lookup resolves a dot-separated path ("region.code") through nested
// JSON objects, mirroring how a station's stage-2 blob nests per-role
// settings under a shared top-level key.
func Lookup(m map[string]any, path string) (any, bool) {
	cur := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
