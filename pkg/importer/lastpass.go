package importer

// LastPassParser parses LastPass CSV exports:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names.
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
)

// lpSecureNoteURL marks secure notes in LastPass exports.
const lpSecureNoteURL = "http://sn"

func (p *LastPassParser) Source() Source { return SourceLastPass }

// Parse parses LastPass CSV data. Values are HTML-entity decoded.
func (p *LastPassParser) Parse(data []byte) (*Result, error) {
	result := &Result{}
	counter := 1

	warnings, err := readCSV(data, lpColName, func(rowNum int, raw csvRow) string {
		get := func(col string) string { return DecodeHTMLEntities(raw(col)) }

		name := get(lpColName)
		url := get(lpColURL)
		extra := get(lpColExtra)
		isNote := url == lpSecureNoteURL

		fs := fieldSet{}
		fs.text("username", get(lpColUsername))
		fs.secret("password", get(lpColPassword))
		fs.secret("totp", get(lpColTOTP))
		if len(fs) == 0 && extra == "" {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: name, Reason: "no useful data"})
			return "skipped: no useful data"
		}

		rec := &Imported{Fields: fs}
		if isNote {
			url = ""
			rec.Type = "note"
			fs.secret("content", extra)
		} else {
			fs.secret("notes", extra)
			fs.text("url", url)
			rec.Type = loginType(fs)
		}
		rec.Title = Title(name, url, &counter)

		// Nested groups are kept as one tag.
		if g := get(lpColGrouping); g != "" {
			rec.Tags = cleanTags([]string{g})
		}
		result.Records = append(result.Records, rec)
		return ""
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = warnings
	return result, nil
}
