//go:build !windows

package volume

import "fmt"

// Open reports ErrUnsupported: raw volume enumeration requires a
// filesystem change journal, which only the Windows build wires up.
func Open(root string) (Reader, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, root)
}
