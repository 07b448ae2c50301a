package repository

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/forest6511/credstore/pkg/credential"
)

// scannedRecord is a record that parsed without Critical issues.
type scannedRecord struct {
	input  recordInput
	record *credential.Record
}

// treeScan is the full result of walking a tree. Scan exposes its report;
// Repair and Load reuse the parsed content.
type treeScan struct {
	root   string
	report *Report

	meta        *metadataResult
	metaMissing bool

	types        map[string]*credential.TypeDefinition
	corruptTypes map[string]bool

	records []*scannedRecord
}

func (s *treeScan) lookupType(name string) (*credential.TypeDefinition, bool) {
	if d, ok := credential.Builtin(name); ok {
		return d, true
	}
	d, ok := s.types[name]
	return d, ok
}

func (s *treeScan) wipe() {
	for _, r := range s.records {
		r.record.Wipe()
	}
}

// Scan inspects the tree at root and reports every issue found, in
// discovery order:
//
//  1. required directories
//  2. metadata.yml
//  3. entries under credentials/
//  4. duplicate ids
//  5. type definitions and type references
//  6. metadata credential count
//
// The error return is reserved for failures to read the tree itself.
func Scan(root string) (*Report, error) {
	s, err := scanTree(root)
	if err != nil {
		return nil, err
	}
	s.wipe()
	return s.report, nil
}

func scanTree(root string) (*treeScan, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, ioErr("stat", root, err)
	}
	if !info.IsDir() {
		return nil, ioErr("stat", root, errors.New("not a directory"))
	}

	s := &treeScan{
		root:         root,
		report:       &Report{},
		types:        make(map[string]*credential.TypeDefinition),
		corruptTypes: make(map[string]bool),
	}

	credsOK, err := s.checkDir(CredentialsDir)
	if err != nil {
		return nil, err
	}
	typesOK, err := s.checkDir(TypesDir)
	if err != nil {
		return nil, err
	}

	if err := s.scanMetadata(); err != nil {
		return nil, err
	}

	// Types are needed to resolve shorthand fields, but their issues are
	// reported with the type cross-check.
	typeIssues, err := s.loadTypes(typesOK)
	if err != nil {
		return nil, err
	}

	var parsed []*scannedRecord
	if credsOK {
		if parsed, err = s.scanCredentials(); err != nil {
			return nil, err
		}
	}

	s.records = s.resolveDuplicates(parsed)

	for _, is := range typeIssues {
		s.report.add(is)
	}
	for _, r := range s.records {
		if _, ok := s.lookupType(r.record.Type); ok || s.corruptTypes[r.record.Type] {
			continue
		}
		s.report.add(Issue{
			Severity:    Warning,
			Category:    OrphanedTypeReference,
			Path:        r.input.rel,
			RecordID:    r.record.ID,
			Repairable:  true,
			Description: fmt.Sprintf("credential_type %q is not defined", r.record.Type),
		})
	}

	s.report.RecordCount = len(s.records)
	if s.meta != nil && (!s.meta.hasCount || s.meta.meta.CredentialCount != len(s.records)) {
		desc := fmt.Sprintf("metadata states %d credentials, found %d", s.meta.meta.CredentialCount, len(s.records))
		if !s.meta.hasCount {
			desc = fmt.Sprintf("metadata has no credential_count, found %d", len(s.records))
		}
		s.report.add(Issue{
			Severity:    Warning,
			Category:    CountMismatch,
			Path:        MetadataFile,
			Repairable:  true,
			Description: desc,
		})
	}

	return s, nil
}

func (s *treeScan) checkDir(rel string) (bool, error) {
	info, err := os.Stat(abs(s.root, rel))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.report.add(Issue{
			Severity:    Warning,
			Category:    MissingDirectory,
			Path:        rel,
			Repairable:  true,
			Description: "required directory is missing",
		})
		return false, nil
	case err != nil:
		return false, ioErr("stat", abs(s.root, rel), err)
	case !info.IsDir():
		s.report.add(Issue{
			Severity:    Critical,
			Category:    SchemaError,
			Path:        rel,
			Description: "expected a directory",
		})
		return false, nil
	}
	return true, nil
}

func (s *treeScan) scanMetadata() error {
	p := abs(s.root, MetadataFile)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		s.metaMissing = true
		s.report.add(Issue{
			Severity:    Warning,
			Category:    MissingMetadata,
			Path:        MetadataFile,
			Repairable:  true,
			Description: "metadata file is missing",
		})
		return nil
	}
	if err != nil {
		return ioErr("stat", p, err)
	}
	if !info.Mode().IsRegular() {
		s.report.add(Issue{
			Severity:    Critical,
			Category:    SchemaError,
			Path:        MetadataFile,
			Description: "metadata is not a regular file",
		})
		return nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return ioErr("read", p, err)
	}
	meta, problem := parseMetadata(data)
	if problem != "" {
		s.report.add(Issue{
			Severity:    Critical,
			Category:    SchemaError,
			Path:        MetadataFile,
			Description: "unreadable metadata: " + problem,
		})
		return nil
	}
	if !meta.hasCreate {
		s.report.add(Issue{
			Severity:    Warning,
			Category:    SchemaError,
			Path:        MetadataFile,
			Description: "missing or unparseable created_at; using earliest record",
		})
	}
	s.meta = meta
	return nil
}

func (s *treeScan) loadTypes(ok bool) ([]Issue, error) {
	if !ok {
		return nil, nil
	}
	dir := abs(s.root, TypesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErr("readdir", dir, err)
	}

	var issues []Issue
	ignore := func(rel, why string) {
		issues = append(issues, Issue{
			Severity:    Warning,
			Category:    SchemaError,
			Path:        rel,
			Description: why + "; ignored and not preserved",
		})
	}

	for _, e := range entries {
		name := e.Name()
		rel := path.Join(TypesDir, name)
		if isHidden(name) {
			continue
		}
		if !e.Type().IsRegular() || !strings.HasSuffix(name, YAMLExt) {
			ignore(rel, "unexpected entry in types/")
			continue
		}
		stem := strings.TrimSuffix(name, YAMLExt)
		if credential.IsBuiltin(stem) {
			ignore(rel, fmt.Sprintf("type %q shadows a built-in type", stem))
			continue
		}
		if err := credential.ValidateTypeName(stem); err != nil {
			ignore(rel, "invalid type file name")
			continue
		}

		data, err := os.ReadFile(abs(s.root, rel))
		if err != nil {
			return nil, ioErr("read", abs(s.root, rel), err)
		}
		def, notes, problem := parseType(data, stem)
		for _, n := range notes {
			issues = append(issues, Issue{Severity: Warning, Category: SchemaError, Path: rel, Description: n})
		}
		if problem != "" {
			s.corruptTypes[stem] = true
			issues = append(issues, Issue{
				Severity:    Critical,
				Category:    SchemaError,
				Path:        rel,
				Description: "unreadable type definition: " + problem,
			})
			continue
		}
		s.types[stem] = def
	}
	return issues, nil
}

func (s *treeScan) exclude(rel string) {
	s.report.Excluded = append(s.report.Excluded, rel)
}

func (s *treeScan) scanCredentials() ([]*scannedRecord, error) {
	dir := abs(s.root, CredentialsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErr("readdir", dir, err)
	}

	var out []*scannedRecord
	for _, e := range entries {
		name := e.Name()
		if isHidden(name) {
			continue
		}
		rel := path.Join(CredentialsDir, name)

		var in recordInput
		switch {
		case e.IsDir():
			found, err := s.readRecordDir(name, &in)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
		case e.Type().IsRegular() && strings.HasSuffix(name, YAMLExt):
			data, info, err := readWithInfo(abs(s.root, rel))
			if err != nil {
				return nil, err
			}
			in = recordInput{data: data, rel: rel, container: name, legacy: true, modTime: info.ModTime()}
		default:
			s.report.add(Issue{
				Severity:    Warning,
				Category:    SchemaError,
				Path:        rel,
				Description: "unexpected entry in credentials/; carried unchanged",
			})
			s.exclude(rel)
			continue
		}

		res := parseRecord(in, s.lookupType)
		if res.critical != nil {
			s.report.add(*res.critical)
			s.exclude(rel)
			continue
		}
		if in.legacy {
			s.report.add(Issue{
				Severity:    Warning,
				Category:    LegacyFormat,
				Path:        rel,
				RecordID:    res.record.ID,
				Repairable:  true,
				Description: "legacy single-file record",
			})
		}
		for _, w := range res.warnings {
			s.report.add(w)
		}
		out = append(out, &scannedRecord{input: in, record: res.record})
	}
	return out, nil
}

// readRecordDir fills in for credentials/<name>/record.yml. It reports
// false when the directory holds no record.
func (s *treeScan) readRecordDir(name string, in *recordInput) (bool, error) {
	dirRel := path.Join(CredentialsDir, name)
	dir := abs(s.root, dirRel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, ioErr("readdir", dir, err)
	}

	var hasRecord bool
	var others []string
	for _, e := range entries {
		switch {
		case isHidden(e.Name()):
		case e.Name() == RecordFile && e.Type().IsRegular():
			hasRecord = true
		default:
			others = append(others, e.Name())
		}
	}

	if !hasRecord {
		if len(others) == 0 {
			s.report.add(Issue{
				Severity:    Warning,
				Category:    SchemaError,
				Path:        dirRel,
				Description: "empty directory without " + RecordFile,
			})
			return false, nil
		}
		s.report.add(Issue{
			Severity:    Critical,
			Category:    SchemaError,
			Path:        dirRel,
			Description: fmt.Sprintf("directory has no %s but holds %d other entries", RecordFile, len(others)),
		})
		s.exclude(dirRel)
		return false, nil
	}
	for _, o := range others {
		s.report.add(Issue{
			Severity:    Warning,
			Category:    SchemaError,
			Path:        path.Join(dirRel, o),
			Description: "unexpected file in record directory; not preserved",
		})
	}

	rel := path.Join(dirRel, RecordFile)
	data, info, err := readWithInfo(abs(s.root, rel))
	if err != nil {
		return false, err
	}
	*in = recordInput{data: data, rel: rel, container: name, modTime: info.ModTime()}
	return true, nil
}

func readWithInfo(p string) ([]byte, os.FileInfo, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, ioErr("stat", p, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, ioErr("read", p, err)
	}
	return data, info, nil
}

// resolveDuplicates reports ids used by more than one record. A legacy
// file whose content equals its already-migrated record is the trace of an
// interrupted migration, not a duplicate.
func (s *treeScan) resolveDuplicates(parsed []*scannedRecord) []*scannedRecord {
	byID := make(map[string][]*scannedRecord)
	var order []string
	for _, r := range parsed {
		if _, seen := byID[r.record.ID]; !seen {
			order = append(order, r.record.ID)
		}
		byID[r.record.ID] = append(byID[r.record.ID], r)
	}

	out := make([]*scannedRecord, 0, len(parsed))
	for _, id := range order {
		group := byID[id]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		if keep := migratedPair(group); keep != nil {
			out = append(out, keep)
			continue
		}

		paths := make([]string, len(group))
		for i, r := range group {
			paths[i] = r.input.rel
		}
		sort.Strings(paths)
		s.report.add(Issue{
			Severity:    Critical,
			Category:    DuplicateID,
			Path:        paths[0],
			RecordID:    id,
			Description: fmt.Sprintf("id %q is used by %s", id, strings.Join(paths, ", ")),
		})
		for _, r := range group {
			r.record.Wipe()
		}
	}
	return out
}

func migratedPair(group []*scannedRecord) *scannedRecord {
	if len(group) != 2 || group[0].input.legacy == group[1].input.legacy {
		return nil
	}
	legacy, current := group[0], group[1]
	if current.input.legacy {
		legacy, current = current, legacy
	}
	a, errA := encodeRecord(legacy.record)
	b, errB := encodeRecord(current.record)
	if errA != nil || errB != nil || !bytes.Equal(a, b) {
		return nil
	}
	legacy.record.Wipe()
	return current
}
