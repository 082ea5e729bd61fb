//go:build !unix

package hostmem

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("hostmem: anonymous mappings are not supported on this platform")

func PageSize() int {
	return os.Getpagesize()
}

func Map(size uint64) (*Region, error) {
	return nil, errUnsupported
}
