package importer

import "strings"

// OnePasswordParser parses 1Password CSV exports:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names, lowercased.
const (
	op1ColTitle    = "title"
	op1ColWebsite  = "website"
	op1ColUsername = "username"
	op1ColPassword = "password"
	op1ColOTPAuth  = "otpauth"
	op1ColTags     = "tags"
	op1ColNotes    = "notes"
)

func (p *OnePasswordParser) Source() Source { return Source1Password }

// Parse parses 1Password CSV data.
func (p *OnePasswordParser) Parse(data []byte) (*Result, error) {
	result := &Result{}
	counter := 1

	warnings, err := readCSV(data, op1ColTitle, func(rowNum int, get csvRow) string {
		title := get(op1ColTitle)
		website := get(op1ColWebsite)

		fs := fieldSet{}
		fs.text("username", get(op1ColUsername))
		fs.secret("password", get(op1ColPassword))
		fs.secret("totp", get(op1ColOTPAuth))
		fs.secret("notes", get(op1ColNotes))
		if len(fs) == 0 {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "no useful data"})
			return "skipped: no useful data"
		}
		fs.text("url", website)

		result.Records = append(result.Records, &Imported{
			Title:  Title(title, website, &counter),
			Type:   loginType(fs),
			Fields: fs,
			Tags:   cleanTags(strings.Split(get(op1ColTags), ",")),
		})
		return ""
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = warnings
	return result, nil
}
