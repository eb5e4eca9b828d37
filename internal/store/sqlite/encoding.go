// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
)

// deserializeFloat32 decodes the little-endian packed float32 blob produced
// by sqlite_vec.SerializeFloat32.
func deserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}

	vec := make([]float32, len(blob)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}
