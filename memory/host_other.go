//go:build !linux

package memory

func DefaultHost() Host {
	return HeapHost{}
}
