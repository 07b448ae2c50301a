package repository

import (
	"fmt"

	"github.com/forest6511/credstore/pkg/credential"
)

// Load scans the tree at root and builds a Repository from it. Records
// with a record-level Critical issue are left out and listed in
// Report.Excluded; any other Critical issue fails the load. A tree missing
// its metadata or directories must be repaired first.
//
// The report is returned even when err is non-nil.
func Load(root string) (*credential.Repository, *Report, error) {
	s, err := scanTree(root)
	if err != nil {
		return nil, nil, err
	}
	report := s.report

	if !report.OnlyRecordCriticals() {
		s.wipe()
		return nil, report, ErrorFor(report)
	}
	for _, is := range report.Issues {
		if is.Category == MissingMetadata || is.Category == MissingDirectory {
			s.wipe()
			return nil, report, fmt.Errorf("%w: %s", ErrStructural, is.Path)
		}
	}

	created := s.meta.meta.CreatedAt
	if !s.meta.hasCreate {
		created = earliestCreated(s.records)
	}
	repo := credential.NewRepository(s.meta.meta.Version, created)
	for name, def := range s.types {
		repo.CustomTypes[name] = def
	}
	for _, r := range s.records {
		repo.Records[r.record.ID] = r.record
	}
	repo.Metadata.CredentialCount = len(repo.Records)
	return repo, report, nil
}
