// Package repository reads, checks, repairs and writes the plaintext
// directory tree of a credential repository.
//
// Layout:
//
//	metadata.yml                  version, created_at, credential_count
//	credentials/<id>/record.yml   one record per directory
//	credentials/<id>.yml          legacy single-file record (migrated by Repair)
//	types/<name>.yml              custom type definitions
package repository

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Layout constants
const (
	MetadataFile   = "metadata.yml"
	CredentialsDir = "credentials"
	TypesDir       = "types"
	RecordFile     = "record.yml"
	YAMLExt        = ".yml"

	// CurrentVersion is written on every save.
	CurrentVersion = "1.0"

	FileMode = 0600 // Owner read/write only
	DirMode  = 0700 // Owner read/write/execute only
)

func recordRel(id string) string {
	return path.Join(CredentialsDir, id, RecordFile)
}

func legacyRel(id string) string {
	return path.Join(CredentialsDir, id+YAMLExt)
}

func typeRel(name string) string {
	return path.Join(TypesDir, name+YAMLExt)
}

func abs(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return ioErr("create", p, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioErr("write", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ioErr("sync", p, err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr("close", p, err)
	}
	if err := os.Chmod(tmpName, FileMode); err != nil {
		return ioErr("chmod", p, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return ioErr("rename", p, err)
	}
	return nil
}
