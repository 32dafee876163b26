//go:build cgo

package knowledge

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Registers sqlite-vec as an auto-loaded extension of the mattn/go-sqlite3 driver.
	vec.Auto()
}

func serializeVector(v []float32) ([]byte, error) {
	return vec.SerializeFloat32(v)
}
