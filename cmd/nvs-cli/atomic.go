package main

import (
	"bytes"

	"github.com/natefinch/atomic"
)

// atomicWriteFile writes a freshly generated image so a crash or a
// concurrent reader never observes a partially written file.
func atomicWriteFile(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}
