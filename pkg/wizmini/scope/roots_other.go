//go:build !windows

package scope

import "fmt"

// Roots returns the directory roots the scope covers. Without drive
// letters, Volume scopes cannot resolve; AllVolumes degrades to the
// filesystem root so whole-machine indexing still works via the walker.
func (s Scope) Roots() ([]string, error) {
	switch s.Kind {
	case CurrentDir, Custom:
		return []string{s.Path}, nil
	case Volume:
		return nil, fmt.Errorf("%w: drive scopes require volume support", ErrInvalid)
	case AllVolumes:
		return []string{"/"}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalid, s.Kind)
	}
}
