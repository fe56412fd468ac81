package main

import (
	"bytes"
	"io"
	"sync"
)

var outputMu sync.Mutex

type lockedWriter struct{ w io.Writer }

func (l *lockedWriter) Write(p []byte) (int, error) {
	outputMu.Lock()
	defer outputMu.Unlock()
	return l.w.Write(p)
}

func readLocked(b *bytes.Buffer) string {
	outputMu.Lock()
	defer outputMu.Unlock()
	return b.String()
}
