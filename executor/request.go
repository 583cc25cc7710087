package executor

import (
	"fmt"
	"os"
	"time"
)

// Request describes one invocation.
type Request struct {
	// ModulePath is read when Binary is nil.
	ModulePath string
	Binary     []byte
	Function   string
	Args       []int32
	// MemoryLimitBytes bounds every linear memory of the instance.
	MemoryLimitBytes uint64
	// Fuel is the instruction budget. Zero fuel fails on the first
	// instruction.
	Fuel uint64
}

func (r Request) source() string {
	if r.Binary != nil || r.ModulePath == "" {
		return "<memory>"
	}
	return r.ModulePath
}

func (r Request) load() ([]byte, error) {
	if r.Binary != nil {
		return r.Binary, nil
	}
	if r.ModulePath == "" {
		return nil, fmt.Errorf("no module path or binary given")
	}
	wasm, err := os.ReadFile(r.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return wasm, nil
}

// Report is the outcome of a successful invocation.
type Report struct {
	Result       int32
	FuelConsumed uint64
	// MemoryConsumedBytes is the memory ceiling the invocation ran under.
	MemoryConsumedBytes uint64
	// PeakMemoryBytes is the largest linear memory size the guest reached.
	PeakMemoryBytes uint64
	TimeConsumed    time.Duration
}
