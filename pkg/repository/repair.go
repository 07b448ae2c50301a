package repository

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/credstore/pkg/credential"
)

// OrphanTagPrefix marks records whose type definition went missing.
const OrphanTagPrefix = "orphaned-type:"

var nowFunc = time.Now

// RepairResult lists what a repair pass did with each issue it was given.
type RepairResult struct {
	Applied []Issue `json:"applied"`
	// Skipped holds issues that are not repairable or whose repair
	// precondition no longer held.
	Skipped []Issue `json:"skipped,omitempty"`
}

// Repair applies the repairable issues of report to the tree at root, in
// report order. Every action is idempotent: running Repair twice with the
// same report leaves the tree as one run does. A filesystem failure stops
// the pass and is returned with the partial result.
func Repair(root string, report *Report) (*RepairResult, error) {
	res := &RepairResult{}
	for _, is := range report.Issues {
		if !is.Repairable {
			res.Skipped = append(res.Skipped, is)
			continue
		}

		var applied bool
		var err error
		switch is.Category {
		case MissingDirectory:
			applied, err = true, mkdir(abs(root, is.Path))
		case MissingMetadata:
			applied, err = regenerateMetadata(root)
		case LegacyFormat:
			applied, err = migrateLegacy(root, is)
		case OrphanedTypeReference:
			applied, err = retypeOrphan(root, is)
		case CountMismatch:
			applied, err = recount(root)
		}
		if err != nil {
			return res, err
		}
		if applied {
			res.Applied = append(res.Applied, is)
		} else {
			res.Skipped = append(res.Skipped, is)
		}
	}
	return res, nil
}

type issueKey struct {
	category Category
	path     string
}

// VerifyRepair checks a post-repair scan: no applied (category, path) pair
// may remain. Issues of the same category elsewhere, such as a migration
// that was skipped, are not residuals.
func VerifyRepair(applied []Issue, rescan *Report) error {
	done := make(map[issueKey]bool, len(applied))
	for _, is := range applied {
		done[issueKey{is.Category, is.Path}] = true
	}
	var residual []Issue
	for _, is := range rescan.Issues {
		if done[issueKey{is.Category, is.Path}] {
			residual = append(residual, is)
		}
	}
	if len(residual) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d remaining, first %s", ErrRepairIncomplete, len(residual), residual[0])
}

func mkdir(p string) error {
	if err := os.MkdirAll(p, DirMode); err != nil {
		return ioErr("mkdir", p, err)
	}
	return nil
}

func regenerateMetadata(root string) (bool, error) {
	p := abs(root, MetadataFile)
	if _, err := os.Stat(p); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, ioErr("stat", p, err)
	}

	s, err := scanTree(root)
	if err != nil {
		return false, err
	}
	defer s.wipe()

	meta := credential.Metadata{
		Version:         CurrentVersion,
		CreatedAt:       earliestCreated(s.records),
		CredentialCount: len(s.records),
	}
	data, err := encodeMetadata(meta)
	if err != nil {
		return false, err
	}
	return true, writeFileAtomic(p, data)
}

func earliestCreated(records []*scannedRecord) time.Time {
	var t time.Time
	for _, r := range records {
		if t.IsZero() || r.record.CreatedAt.Before(t) {
			t = r.record.CreatedAt
		}
	}
	if t.IsZero() {
		t = nowFunc().UTC()
	}
	return t
}

func recount(root string) (bool, error) {
	p := abs(root, MetadataFile)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("read", p, err)
	}
	mr, problem := parseMetadata(data)
	if problem != "" {
		return false, nil
	}

	s, err := scanTree(root)
	if err != nil {
		return false, err
	}
	defer s.wipe()

	meta := mr.meta
	if !mr.hasCreate {
		meta.CreatedAt = earliestCreated(s.records)
	}
	meta.CredentialCount = len(s.records)
	out, err := encodeMetadata(meta)
	if err != nil {
		return false, err
	}
	if bytes.Equal(out, data) {
		return true, nil
	}
	return true, writeFileAtomic(p, out)
}

// loadTypeLookup reads the custom types at root for shorthand resolution.
func loadTypeLookup(root string) (typeLookup, error) {
	s := &treeScan{
		root:         root,
		report:       &Report{},
		types:        make(map[string]*credential.TypeDefinition),
		corruptTypes: make(map[string]bool),
	}
	info, err := os.Stat(abs(root, TypesDir))
	ok := err == nil && info.IsDir()
	if _, err := s.loadTypes(ok); err != nil {
		return nil, err
	}
	return s.lookupType, nil
}

// canonical parses a record and re-encodes it with the record encoder, so
// two documents compare equal when they load to the same record.
func canonical(in recordInput, lookup typeLookup) ([]byte, bool) {
	res := parseRecord(in, lookup)
	if res.critical != nil {
		return nil, false
	}
	defer res.record.Wipe()
	out, err := encodeRecord(res.record)
	return out, err == nil
}

// migrateLegacy moves credentials/<id>.yml to credentials/<id>/record.yml.
// The document node is kept as written; only id and missing timestamps are
// filled in. The legacy file is removed once the new file reads back to the
// same record.
func migrateLegacy(root string, is Issue) (bool, error) {
	legacyPath := abs(root, is.Path)
	target := recordRel(is.RecordID)
	targetPath := abs(root, target)

	data, info, err := readWithInfo(legacyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_, statErr := os.Stat(targetPath)
			return statErr == nil, nil
		}
		return false, err
	}

	lookup, err := loadTypeLookup(root)
	if err != nil {
		return false, err
	}
	modTime := info.ModTime()
	legacyIn := recordInput{data: data, rel: is.Path, container: path.Base(is.Path), legacy: true, modTime: modTime}
	want, ok := canonical(legacyIn, lookup)
	if !ok {
		return false, nil
	}

	if existing, err := os.ReadFile(targetPath); err == nil {
		got, ok := canonical(recordInput{data: existing, rel: target, container: is.RecordID, modTime: modTime}, lookup)
		if !ok || !bytes.Equal(got, want) {
			return false, nil
		}
		return true, removeFile(legacyPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, ioErr("read", targetPath, err)
	}

	dir := abs(root, path.Dir(target))
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if !isHidden(e.Name()) {
				return false, nil
			}
		}
	}

	migrated, err := migratedDocument(data, is.RecordID, modTime)
	if err != nil {
		return false, nil
	}
	got, ok := canonical(recordInput{data: migrated, rel: target, container: is.RecordID, modTime: modTime}, lookup)
	if !ok || !bytes.Equal(got, want) {
		return false, nil
	}

	if err := mkdir(dir); err != nil {
		return false, err
	}
	if err := writeFileAtomic(targetPath, migrated); err != nil {
		return false, err
	}
	return true, removeFile(legacyPath)
}

func migratedDocument(data []byte, id string, modTime time.Time) ([]byte, error) {
	m, problem := parseMapping(data)
	if problem != "" {
		return nil, errors.New(problem)
	}
	if v := mappingValue(m, "id"); v == nil || v.Value == "" {
		prependMappingScalar(m, "id", id)
	}

	created := formatTime(modTime.UTC())
	if v := mappingValue(m, "created_at"); v != nil {
		if _, ok := parseTime(v.Value); ok {
			created = v.Value
		} else {
			setMappingScalar(m, "created_at", created)
		}
	} else {
		setMappingScalar(m, "created_at", created)
	}
	if v := mappingValue(m, "updated_at"); v == nil {
		setMappingScalar(m, "updated_at", created)
	} else if _, ok := parseTime(v.Value); !ok {
		setMappingScalar(m, "updated_at", created)
	}
	return encodeMapping(m)
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("remove", p, err)
	}
	return nil
}

// retypeOrphan points a record at the untyped type and tags it with the
// name of the type it lost.
func retypeOrphan(root string, is Issue) (bool, error) {
	lookup, err := loadTypeLookup(root)
	if err != nil {
		return false, err
	}

	for _, rel := range []string{recordRel(is.RecordID), is.Path} {
		p := abs(root, rel)
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, ioErr("read", p, err)
		}
		m, problem := parseMapping(data)
		if problem != "" {
			continue
		}
		if v := mappingValue(m, "id"); v != nil && v.Value != "" && v.Value != is.RecordID {
			continue
		}

		tv := mappingValue(m, "credential_type")
		if tv == nil {
			return false, nil
		}
		if _, ok := lookup(tv.Value); ok {
			return true, nil
		}
		lost := tv.Value
		pinSecretFields(m)
		setMappingScalar(m, "credential_type", credential.UntypedName)
		if !addSequenceTag(m, OrphanTagPrefix+lost) {
			return false, nil
		}

		out, err := encodeMapping(m)
		if err != nil {
			return false, err
		}
		return true, writeFileAtomic(p, out)
	}
	return false, nil
}

// pinSecretFields marks every field whose kind came from the lost type as
// an explicit secret, so retyping to untyped cannot turn it into text.
func pinSecretFields(m *yaml.Node) {
	fields := mappingValue(m, "fields")
	if fields == nil || fields.Kind != yaml.MappingNode {
		return
	}
	for i := 1; i < len(fields.Content); i += 2 {
		v := fields.Content[i]
		switch v.Kind {
		case yaml.ScalarNode:
			value := v
			if value.ShortTag() == "!!null" {
				value = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ""}
			}
			fields.Content[i] = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Tag: "!!str", Value: "value"}, value,
			}}
			setSecretMarkers(fields.Content[i])
		case yaml.MappingNode:
			if mappingValue(v, "field_type") == nil && mappingValue(v, "sensitive") == nil {
				setSecretMarkers(v)
			}
		}
	}
}

func setSecretMarkers(f *yaml.Node) {
	setMappingScalar(f, "field_type", credential.KindSecret.String())
	f.Content = append(f.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "sensitive"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"},
	)
}

func addSequenceTag(m *yaml.Node, tag string) bool {
	seq := mappingValue(m, "tags")
	if seq == nil {
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "tags"},
			&yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"},
		)
		seq = m.Content[len(m.Content)-1]
	}
	switch seq.Kind {
	case yaml.SequenceNode:
	case yaml.ScalarNode:
		if seq.ShortTag() != "!!null" {
			return false
		}
		seq.Kind, seq.Tag, seq.Value = yaml.SequenceNode, "!!seq", ""
	default:
		return false
	}
	for _, n := range seq.Content {
		if n.Value == tag {
			return true
		}
	}
	seq.Style = 0
	seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: tag})
	return true
}
