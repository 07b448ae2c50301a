package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// MaxEntrySize bounds a single extracted file.
const MaxEntrySize = 64 * 1024 * 1024

var epoch = time.Unix(0, 0).UTC()

// pack writes the tree under src as a tar stream. Entries are sorted by
// path and carry fixed ownership and times, so equal trees give equal
// bytes. It returns the number of regular files.
func pack(src string) ([]byte, int, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	count := 0

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == src {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		hdr := &tar.Header{Name: name, ModTime: epoch, Format: tar.FormatPAX}
		switch {
		case d.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			hdr.Mode = 0700
			return tw.WriteHeader(hdr)
		case d.Type().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = 0600
			hdr.Size = int64(len(data))
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			_, err = tw.Write(data)
			count++
			return err
		default:
			return fmt.Errorf("%w: %s is not a regular file or directory", ErrUnsafeEntry, name)
		}
	})
	if err != nil {
		return nil, 0, fmt.Errorf("archive: pack %s: %w", src, err)
	}
	if err := tw.Close(); err != nil {
		return nil, 0, fmt.Errorf("archive: pack %s: %w", src, err)
	}
	return buf.Bytes(), count, nil
}

// safeEntryName validates a tar entry name and returns it cleaned.
func safeEntryName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '\\') || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafeEntry, name)
	}
	for _, part := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: parent reference in %q", ErrUnsafeEntry, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return clean, nil
}

// unpack extracts a tar stream into dest and returns the number of regular
// files written.
func unpack(data []byte, dest string) (int, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	count := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return count, fmt.Errorf("%w: %q", ErrUnsafeEntry, hdr.Name)
		}
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}

		name, err := safeEntryName(hdr.Name)
		if err != nil {
			return count, err
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return count, fmt.Errorf("archive: extract %s: %w", name, err)
			}
		case tar.TypeReg:
			if hdr.Size < 0 || hdr.Size > MaxEntrySize {
				return count, fmt.Errorf("%w: %s is %d bytes", ErrUnsafeEntry, name, hdr.Size)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return count, fmt.Errorf("archive: extract %s: %w", name, err)
			}
			if err := writeEntry(target, tr); err != nil {
				return count, fmt.Errorf("archive: extract %s: %w", name, err)
			}
			count++
		default:
			return count, fmt.Errorf("%w: %s has type %q", ErrUnsafeEntry, name, hdr.Typeflag)
		}
	}
}

func writeEntry(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
