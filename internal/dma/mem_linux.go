//go:build linux

package dma

import "golang.org/x/sys/unix"

// allocPages maps anonymous shared memory, the closest userspace analogue of
// a coherent DMA allocation. Pages come back zeroed.
func allocPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, pageRound(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
}

func freePages(mem []byte) {
	_ = unix.Munmap(mem)
}

func pageRound(size int) int {
	page := unix.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}
