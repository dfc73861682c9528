package sidekit

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/blacktop/go-plist"
	"github.com/klauspost/compress/zip"
)

var bundleIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+(\.[A-Za-z0-9-]+)+$`)

// AppBundle is an already signed app ready to be streamed to a device.
type AppBundle struct {
	BundleIdentifier string
	Name             string
	Version          string
	MinimumOSVersion string

	r    io.ReaderAt
	size int64
	c    io.Closer
}

type infoPlist struct {
	CFBundleIdentifier         string `plist:"CFBundleIdentifier"`
	CFBundleName               string `plist:"CFBundleName"`
	CFBundleDisplayName        string `plist:"CFBundleDisplayName"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString"`
	MinimumOSVersion           string `plist:"MinimumOSVersion"`
}

// NewAppBundle wraps an in-memory package.
func NewAppBundle(bundleID, name string, data []byte) *AppBundle {
	return &AppBundle{
		BundleIdentifier: bundleID,
		Name:             name,
		r:                bytes.NewReader(data),
		size:             int64(len(data)),
	}
}

// OpenIPA opens an .ipa archive and reads the identity of the app inside from its
// Info.plist. The caller must Close the bundle.
func OpenIPA(name string) (*AppBundle, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := readInfoPlist(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidApp, name, err)
	}

	app := &AppBundle{
		BundleIdentifier: info.CFBundleIdentifier,
		Name:             info.CFBundleDisplayName,
		Version:          info.CFBundleShortVersionString,
		MinimumOSVersion: info.MinimumOSVersion,
		r:                f,
		size:             st.Size(),
		c:                f,
	}
	if app.Name == "" {
		app.Name = info.CFBundleName
	}
	return app, nil
}

// readInfoPlist finds Payload/<name>.app/Info.plist in the archive.
func readInfoPlist(r io.ReaderAt, size int64) (*infoPlist, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		dir, file := path.Split(f.Name)
		if file != "Info.plist" || !strings.HasPrefix(dir, "Payload/") ||
			strings.Count(dir, "/") != 2 || !strings.HasSuffix(dir, ".app/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		var info infoPlist
		if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&info); err != nil {
			return nil, fmt.Errorf("Info.plist: %w", err)
		}
		return &info, nil
	}
	return nil, fmt.Errorf("no Payload/*.app/Info.plist")
}

func (a *AppBundle) Size() int64 {
	return a.size
}

// Reader returns a fresh reader over the package bytes.
func (a *AppBundle) Reader() io.Reader {
	return io.NewSectionReader(a.r, 0, a.size)
}

// Validate checks the bundle can be offered to a device at all.
func (a *AppBundle) Validate() error {
	switch {
	case a == nil || a.r == nil:
		return fmt.Errorf("%w: no app data", ErrInvalidApp)
	case a.size <= 0:
		return fmt.Errorf("%w: %s is empty", ErrInvalidApp, a.BundleIdentifier)
	case !bundleIDPattern.MatchString(a.BundleIdentifier):
		return fmt.Errorf("%w: bad bundle identifier %q", ErrInvalidApp, a.BundleIdentifier)
	}
	return nil
}

func (a *AppBundle) Close() error {
	if a.c == nil {
		return nil
	}
	return a.c.Close()
}

func (a *AppBundle) errorContext() ErrorContext {
	if a == nil {
		return ErrorContext{}
	}
	return ErrorContext{BundleIdentifier: a.BundleIdentifier, AppName: a.Name}
}
