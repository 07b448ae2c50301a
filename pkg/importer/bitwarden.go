package importer

import (
	"encoding/json"
	"fmt"
)

// BitwardenParser parses Bitwarden unencrypted JSON exports.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// bitwardenFieldHidden is the custom field type of masked values. Text,
// boolean and linked fields are imported as text.
const bitwardenFieldHidden = 1

type bitwardenExport struct {
	Encrypted   bool                  `json:"encrypted"`
	Items       []bitwardenItem       `json:"items"`
	Folders     []bitwardenFolder     `json:"folders"`
	Collections []bitwardenCollection `json:"collections"`
}

type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenItem struct {
	Type          int                    `json:"type"`
	Name          string                 `json:"name"`
	Notes         string                 `json:"notes"`
	FolderID      *string                `json:"folderId"`
	CollectionIDs []string               `json:"collectionIds"`
	Login         *bitwardenLogin        `json:"login"`
	Card          *bitwardenCard         `json:"card"`
	Identity      *bitwardenIdentity     `json:"identity"`
	Fields        []bitwardenCustomField `json:"fields"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCard struct {
	CardholderName string `json:"cardholderName"`
	Number         string `json:"number"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
	Code           string `json:"code"`
	Brand          string `json:"brand"`
}

type bitwardenIdentity struct {
	Title          string `json:"title"`
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	Username       string `json:"username"`
	Company        string `json:"company"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address1       string `json:"address1"`
	Address2       string `json:"address2"`
	Address3       string `json:"address3"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postalCode"`
	Country        string `json:"country"`
	SSN            string `json:"ssn"`
	PassportNumber string `json:"passportNumber"`
	LicenseNumber  string `json:"licenseNumber"`
}

type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

func (p *BitwardenParser) Source() Source { return SourceBitwarden }

// Parse parses Bitwarden JSON data. Encrypted exports are rejected.
func (p *BitwardenParser) Parse(data []byte) (*Result, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported: export as unencrypted JSON")
	}

	groups := make(map[string]string, len(export.Folders)+len(export.Collections))
	for _, f := range export.Folders {
		groups[f.ID] = f.Name
	}
	for _, c := range export.Collections {
		groups[c.ID] = c.Name
	}

	result := &Result{}
	counter := 1
	for i := range export.Items {
		item := &export.Items[i]
		rec, warning := p.parseItem(item, groups, &counter)
		if warning != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d: %s", i+1, warning))
		}
		if rec != nil {
			result.Records = append(result.Records, rec)
		} else {
			reason := warning
			if reason == "" {
				reason = "no useful data"
			}
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: item.Name, Reason: reason})
		}
	}
	return result, nil
}

func (p *BitwardenParser) parseItem(item *bitwardenItem, groups map[string]string, counter *int) (*Imported, string) {
	fs := fieldSet{}
	var url, typ string

	switch item.Type {
	case bitwardenTypeLogin:
		url = p.parseLogin(item, fs)
		fs.secret("notes", item.Notes)
		typ = loginType(fs)
	case bitwardenTypeSecureNote:
		fs.secret("content", item.Notes)
		typ = "note"
	case bitwardenTypeCard:
		p.parseCard(item, fs)
		fs.secret("notes", item.Notes)
		typ = "untyped"
	case bitwardenTypeIdentity:
		p.parseIdentity(item, fs)
		fs.secret("notes", item.Notes)
		typ = "untyped"
	default:
		return nil, fmt.Sprintf("unsupported item type: %d", item.Type)
	}

	var warning string
	for _, cf := range item.Fields {
		name := SanitizeFieldName(cf.Name)
		if name == "" {
			name = "custom_field"
		}
		if _, taken := fs[name]; taken {
			warning = fmt.Sprintf("custom field %q collides with %q and was dropped", cf.Name, name)
			continue
		}
		if cf.Type == bitwardenFieldHidden {
			fs.secret(name, cf.Value)
		} else {
			fs.text(name, cf.Value)
		}
	}

	if len(fs) == 0 {
		return nil, warning
	}

	var tags []string
	if item.FolderID != nil {
		tags = append(tags, groups[*item.FolderID])
	}
	for _, id := range item.CollectionIDs {
		tags = append(tags, groups[id])
	}

	return &Imported{
		Title:  Title(item.Name, url, counter),
		Type:   typ,
		Fields: fs,
		Tags:   cleanTags(tags),
	}, warning
}

// parseLogin fills login fields and returns the primary URL.
func (p *BitwardenParser) parseLogin(item *bitwardenItem, fs fieldSet) string {
	login := item.Login
	if login == nil {
		return ""
	}
	fs.text("username", login.Username)
	fs.secret("password", login.Password)
	fs.secret("totp", login.TOTP)

	var primary string
	n := 1
	for _, u := range login.URIs {
		if u.URI == "" {
			continue
		}
		if primary == "" {
			primary = u.URI
			fs.text("url", u.URI)
			continue
		}
		n++
		fs.text(fmt.Sprintf("url_%d", n), u.URI)
	}
	return primary
}

func (p *BitwardenParser) parseCard(item *bitwardenItem, fs fieldSet) {
	card := item.Card
	if card == nil {
		return
	}
	fs.text("cardholder_name", card.CardholderName)
	fs.secret("number", card.Number)
	fs.text("exp_month", card.ExpMonth)
	fs.text("exp_year", card.ExpYear)
	fs.secret("cvv", card.Code)
	fs.text("brand", card.Brand)
}

// parseIdentity marks personal data secret.
func (p *BitwardenParser) parseIdentity(item *bitwardenItem, fs fieldSet) {
	id := item.Identity
	if id == nil {
		return
	}
	fs.text("title", id.Title)
	fs.text("username", id.Username)
	fs.text("company", id.Company)
	fs.text("state", id.State)
	fs.text("country", id.Country)

	fs.secret("first_name", id.FirstName)
	fs.secret("middle_name", id.MiddleName)
	fs.secret("last_name", id.LastName)
	fs.secret("email", id.Email)
	fs.secret("phone", id.Phone)
	fs.secret("address1", id.Address1)
	fs.secret("address2", id.Address2)
	fs.secret("address3", id.Address3)
	fs.secret("city", id.City)
	fs.secret("postal_code", id.PostalCode)
	fs.secret("ssn", id.SSN)
	fs.secret("passport", id.PassportNumber)
	fs.secret("license", id.LicenseNumber)
}
