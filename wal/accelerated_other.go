//go:build !unix

package wal

func openAccelerated(path string, bufferSize int) (Backend, error) {
	return nil, ErrAcceleratedUnsupported
}
