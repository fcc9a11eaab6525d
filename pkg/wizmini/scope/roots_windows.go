//go:build windows

package scope

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// Roots returns the directory roots the scope covers. For AllVolumes the
// fixed local drives are enumerated; removable and network drives are
// excluded. A drive that disappears between enumeration and use is the
// caller's ScopeUnavailable case.
func (s Scope) Roots() ([]string, error) {
	switch s.Kind {
	case CurrentDir, Custom:
		return []string{s.Path}, nil
	case Volume:
		return []string{string(rune(s.Drive)) + `:\`}, nil
	case AllVolumes:
		return fixedDriveRoots()
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalid, s.Kind)
	}
}

func fixedDriveRoots() ([]string, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, err
	}

	var roots []string
	for letter := byte('A'); letter <= 'Z'; letter++ {
		if mask&(1<<uint(letter-'A')) == 0 {
			continue
		}
		root := string(rune(letter)) + `:\`
		p, err := windows.UTF16PtrFromString(root)
		if err != nil {
			continue
		}
		if windows.GetDriveType(p) == windows.DRIVE_FIXED {
			roots = append(roots, root)
		}
	}
	return roots, nil
}
