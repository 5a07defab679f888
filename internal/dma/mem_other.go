//go:build !linux

package dma

func allocPages(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freePages([]byte) {}
