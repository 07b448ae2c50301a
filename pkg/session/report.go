package session

import "github.com/forest6511/credstore/pkg/repository"

// OpenReport describes what validation and repair did during one Open.
type OpenReport struct {
	// Scan is the report of the first pass over the extracted tree.
	Scan *repository.Report `json:"scan,omitempty"`
	// Repair is nil only when the open failed before the repair step.
	Repair *repository.RepairResult `json:"repair,omitempty"`
	// Rescan is the report the model was loaded from.
	Rescan *repository.Report `json:"rescan,omitempty"`
	// Excluded lists entries kept out of the model and carried through saves.
	Excluded []string `json:"excluded,omitempty"`
}

// ReportCounts summarises an OpenReport for display.
type ReportCounts struct {
	Found    int `json:"found"`
	Repaired int `json:"repaired"`
	Skipped  int `json:"skipped"`
	Excluded int `json:"excluded"`
	Critical int `json:"critical"`
}

// Counts tallies the report.
func (r *OpenReport) Counts() ReportCounts {
	var c ReportCounts
	if r == nil {
		return c
	}
	if r.Scan != nil {
		c.Found = len(r.Scan.Issues)
		c.Critical = r.Scan.Counts().Critical
	}
	if r.Repair != nil {
		c.Repaired = len(r.Repair.Applied)
		c.Skipped = len(r.Repair.Skipped)
	}
	c.Excluded = len(r.Excluded)
	return c
}

func (r *OpenReport) logFields() []interface{} {
	c := r.Counts()
	return []interface{}{
		"issues", c.Found,
		"critical", c.Critical,
		"repaired", c.Repaired,
		"skipped", c.Skipped,
		"excluded", c.Excluded,
	}
}

func (r *OpenReport) auditContext() map[string]interface{} {
	c := r.Counts()
	return map[string]interface{}{
		"issues":   c.Found,
		"repaired": c.Repaired,
		"skipped":  c.Skipped,
		"excluded": c.Excluded,
	}
}
