//go:build !unix

package rv32

// allocPages is the non-unix fallback: a plain heap allocation. Guest
// RAM sizes in practice are small enough that this costs nothing
// measurable outside of Linux/BSD/Darwin hosts.
func allocPages(size uint32) []byte {
	return make([]byte, size)
}
