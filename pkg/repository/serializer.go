package repository

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/crypto"
)

// Write serializes repo into dir, which must be empty or absent. Output is
// deterministic: an unchanged record is written byte for byte as before.
// metadata.yml always carries CurrentVersion and the actual record count.
func Write(dir string, repo *credential.Repository) error {
	if err := prepareStaging(dir); err != nil {
		return err
	}
	for _, rel := range []string{CredentialsDir, TypesDir} {
		if err := mkdir(abs(dir, rel)); err != nil {
			return err
		}
	}

	meta := credential.Metadata{
		Version:         CurrentVersion,
		CreatedAt:       repo.Metadata.CreatedAt,
		CredentialCount: len(repo.Records),
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = nowFunc().UTC()
	}
	data, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	if err := writeNew(abs(dir, MetadataFile), data); err != nil {
		return err
	}

	for _, id := range repo.SortedIDs() {
		rec := repo.Records[id]
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("repository: record %s: %w", id, err)
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		rel := recordRel(id)
		if err := mkdir(abs(dir, path.Dir(rel))); err != nil {
			return err
		}
		err = writeNew(abs(dir, rel), data)
		crypto.SecureWipe(data)
		if err != nil {
			return err
		}
	}

	for name, def := range repo.CustomTypes {
		if credential.IsBuiltin(name) {
			continue
		}
		data, err := encodeType(def)
		if err != nil {
			return err
		}
		if err := writeNew(abs(dir, typeRel(name)), data); err != nil {
			return err
		}
	}
	return nil
}

func prepareStaging(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return mkdir(dir)
	case err != nil:
		return ioErr("readdir", dir, err)
	case len(entries) > 0:
		return fmt.Errorf("%w: %s", ErrStagingNotEmpty, dir)
	}
	return nil
}

// writeNew creates p exclusively and syncs it.
func writeNew(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		return ioErr("create", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return ioErr("write", p, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioErr("sync", p, err)
	}
	if err := f.Close(); err != nil {
		return ioErr("close", p, err)
	}
	return nil
}

// CopyEntries copies the listed slash-separated entries from src into dst
// unchanged. Directories are copied recursively. An entry that already
// exists in dst is an error.
func CopyEntries(src, dst string, rels []string) error {
	for _, rel := range rels {
		from, to := abs(src, rel), abs(dst, rel)
		if err := mkdir(filepath.Dir(to)); err != nil {
			return err
		}
		err := filepath.WalkDir(from, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			sub, err := filepath.Rel(from, p)
			if err != nil {
				return err
			}
			target := filepath.Join(to, sub)
			switch {
			case d.IsDir():
				if err := os.Mkdir(target, DirMode); err != nil && !errors.Is(err, fs.ErrExist) {
					return err
				}
				return nil
			case d.Type().IsRegular():
				return copyFile(p, target)
			default:
				return fmt.Errorf("not a regular file")
			}
		})
		if err != nil {
			var ioe *IOError
			if errors.As(err, &ioe) {
				return err
			}
			return ioErr("copy", from, err)
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return ioErr("open", from, err)
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		return ioErr("create", to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return ioErr("copy", to, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return ioErr("sync", to, err)
	}
	if err := out.Close(); err != nil {
		return ioErr("close", to, err)
	}
	return nil
}
