package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/groob/plist"
)

var ErrInvalidBundle = errors.New("invalid app bundle")

// BundleInfo is some of the Info.plist information of an app bundle.
// See https://developer.apple.com/documentation/bundleresources/information_property_list
type BundleInfo struct {
	CFBundleIdentifier         string
	CFBundleShortVersionString string `plist:",omitempty"`
	CFBundleVersion            string `plist:",omitempty"`
	CFBundleName               string `plist:",omitempty"`
	CFBundleExecutable         string `plist:",omitempty"`
	LSMinimumSystemVersion     string `plist:",omitempty"`
}

// Validate tests a BundleInfo against basic validity of required fields.
func (b *BundleInfo) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: empty Info.plist", ErrInvalidBundle)
	}
	if b.CFBundleIdentifier == "" {
		return fmt.Errorf("%w: CFBundleIdentifier is empty", ErrInvalidBundle)
	}
	return nil
}

// ParseBundleInfo parses a raw XML or binary Info.plist.
func ParseBundleInfo(raw []byte) (*BundleInfo, error) {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) &&
		!bytes.HasPrefix(trimmed, []byte("<plist")) &&
		!bytes.HasPrefix(trimmed, []byte("bplist0")) {
		return nil, fmt.Errorf("%w: not a property list", ErrInvalidBundle)
	}
	info := new(BundleInfo)
	if err := plist.Unmarshal(raw, info); err != nil {
		return nil, fmt.Errorf("unmarshal plist: %w", err)
	}
	return info, info.Validate()
}

// readBundleInfo reads Contents/Info.plist of the app bundle at appPath.
func readBundleInfo(appPath string) (*BundleInfo, error) {
	raw, err := os.ReadFile(filepath.Join(appPath, "Contents", "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return ParseBundleInfo(raw)
}

// findApp returns the first .app bundle in dir, searching
// subdirectories when recurse is set.
func findApp(dir string, recurse bool) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	if recurse {
		for _, e := range entries {
			if !e.IsDir() || e.Name() == "__MACOSX" {
				continue
			}
			if p, err := findApp(filepath.Join(dir, e.Name()), true); err == nil && p != "" {
				return p, nil
			}
		}
	}
	return "", nil
}
