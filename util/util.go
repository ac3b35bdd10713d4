package util

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Debug is the highest DPrintf level that is emitted.
var Debug uint64 = 0

var logger = log.With(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
	"ts", log.DefaultTimestampUTC)

// SetLogger routes debug tracing to l.
func SetLogger(l log.Logger) {
	if l == nil {
		l = log.NewNopLogger()
	}
	logger = l
}

func DPrintf(lvl uint64, format string, a ...interface{}) {
	if lvl <= Debug {
		level.Debug(logger).Log("lvl", lvl, "msg", fmt.Sprintf(format, a...))
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}

// Erased returns a buffer of n bytes in the erased state.
func Erased(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

// IsErased reports whether every byte of b is in the erased state.
func IsErased(b []byte) bool {
	for _, x := range b {
		if x != 0xff {
			return false
		}
	}
	return true
}
