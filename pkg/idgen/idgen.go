// Package idgen generates identifiers for records created on the device.
package idgen

import "github.com/google/uuid"

// Generator returns a fresh globally unique identifier on every call.
type Generator interface {
	Generate() string
}

// UUID generates random (v4) UUID strings.
type UUID struct{}

// Generate returns a new UUID string
func (UUID) Generate() string { return uuid.NewString() }

// Func adapts a function to Generator.
type Func func() string

// Generate calls f
func (f Func) Generate() string { return f() }
