package credential

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// UntypedName is the reserved type for records whose declared type is gone.
const UntypedName = "untyped"

// Type errors
var (
	ErrUnknownType      = errors.New("credential: unknown credential type")
	ErrTypeNameInvalid  = errors.New("credential: type name must be lowercase letters, numbers, '_' or '-'")
	ErrBuiltinType      = errors.New("credential: built-in types cannot be redefined")
	ErrDuplicateField   = errors.New("credential: duplicate field in type definition")
	ErrInputTypeInvalid = errors.New("credential: inputType must be empty, \"text\", or \"textarea\"")
)

// FieldTemplate defines a field in a credential type.
type FieldTemplate struct {
	Name      string
	Prompt    string
	Sensitive bool
	Required  bool
	Kind      string
	InputType string // "text" (default) | "textarea"
}

// TypeDefinition is a named set of field templates.
type TypeDefinition struct {
	Name        string
	Description string
	Fields      []FieldTemplate
}

// Template returns the named field template.
func (d *TypeDefinition) Template(name string) (FieldTemplate, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldTemplate{}, false
}

// KindFor returns the variant a value for the named field should take when
// nothing else says so. Fields not in the template are Text.
func (d *TypeDefinition) KindFor(name string) Kind {
	if d == nil {
		return KindText
	}
	if tf, ok := d.Template(name); ok && tf.Sensitive {
		return KindSecret
	}
	return KindText
}

// Clone returns a deep copy.
func (d *TypeDefinition) Clone() *TypeDefinition {
	c := *d
	c.Fields = append([]FieldTemplate(nil), d.Fields...)
	return &c
}

var builtinTypes = map[string]TypeDefinition{
	"login": {
		Name:        "login",
		Description: "Login credentials (username, password)",
		Fields: []FieldTemplate{
			{Name: "username", Prompt: "Username", Sensitive: false, Required: true},
			{Name: "password", Prompt: "Password", Sensitive: true, Required: true},
			{Name: "url", Prompt: "URL", Sensitive: false, Required: false, Kind: "url"},
		},
	},
	"database": {
		Name:        "database",
		Description: "Database connection (host, port, username, password, database)",
		Fields: []FieldTemplate{
			{Name: "host", Prompt: "Host", Sensitive: false, Required: true, Kind: "hostname"},
			{Name: "port", Prompt: "Port", Sensitive: false, Required: false, Kind: "port"},
			{Name: "username", Prompt: "Username", Sensitive: false, Required: true},
			{Name: "password", Prompt: "Password", Sensitive: true, Required: true},
			{Name: "database", Prompt: "Database name", Sensitive: false, Required: false},
		},
	},
	"api": {
		Name:        "api",
		Description: "API credentials (api_key, api_secret, endpoint)",
		Fields: []FieldTemplate{
			{Name: "api_key", Prompt: "API Key", Sensitive: true, Required: true},
			{Name: "api_secret", Prompt: "API Secret", Sensitive: true, Required: false},
			{Name: "endpoint", Prompt: "Endpoint URL", Sensitive: false, Required: false, Kind: "url"},
		},
	},
	"ssh": {
		Name:        "ssh",
		Description: "SSH connection (host, port, username, private_key)",
		Fields: []FieldTemplate{
			{Name: "host", Prompt: "Host", Sensitive: false, Required: true, Kind: "hostname"},
			{Name: "port", Prompt: "Port (default: 22)", Sensitive: false, Required: false, Kind: "port"},
			{Name: "username", Prompt: "Username", Sensitive: false, Required: true},
			{Name: "private_key", Prompt: "Private Key (paste, then Ctrl+D)", Sensitive: true, Required: true, InputType: "textarea"},
		},
	},
	"note": {
		Name:        "note",
		Description: "Secure note",
		Fields: []FieldTemplate{
			{Name: "content", Prompt: "Content (paste, then Ctrl+D)", Sensitive: true, Required: true, InputType: "textarea"},
		},
	},
	UntypedName: {
		Name:        UntypedName,
		Description: "Record without a type template",
	},
}

// Builtin returns a copy of the named built-in type.
func Builtin(name string) (*TypeDefinition, bool) {
	d, ok := builtinTypes[name]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// IsBuiltin reports whether name is a built-in type.
func IsBuiltin(name string) bool {
	_, ok := builtinTypes[name]
	return ok
}

// BuiltinTypes returns all built-in types ordered by name.
func BuiltinTypes() []*TypeDefinition {
	out := make([]*TypeDefinition, 0, len(builtinTypes))
	for name := range builtinTypes {
		d, _ := Builtin(name)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var typeNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateTypeName checks a type name. Names double as file names.
func ValidateTypeName(name string) error {
	if !typeNameRegex.MatchString(name) {
		return fmt.Errorf("%w: got %q", ErrTypeNameInvalid, name)
	}
	return nil
}

// ValidateTypeDefinition validates a custom type.
func ValidateTypeDefinition(d *TypeDefinition) error {
	if err := ValidateTypeName(d.Name); err != nil {
		return err
	}
	if IsBuiltin(d.Name) {
		return fmt.Errorf("%w: %q", ErrBuiltinType, d.Name)
	}
	if len(d.Fields) > MaxFieldCount {
		return fmt.Errorf("%w: has %d fields (max %d)", ErrTooManyFields, len(d.Fields), MaxFieldCount)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if err := ValidateFieldName(f.Name); err != nil {
			return err
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = true
		if f.InputType != "" && f.InputType != "text" && f.InputType != "textarea" {
			return fmt.Errorf("%w: field %q has invalid inputType %q", ErrInputTypeInvalid, f.Name, f.InputType)
		}
	}
	return nil
}

// FieldsFromTemplate converts template input to a field map. Missing
// optional values are left out; sensitivity follows the template.
func FieldsFromTemplate(d *TypeDefinition, values map[string]string) map[string]Field {
	fields := make(map[string]Field)
	for _, tf := range d.Fields {
		value, ok := values[tf.Name]
		if (!ok || value == "") && !tf.Required {
			continue
		}
		if tf.Sensitive {
			fields[tf.Name] = Secret(value)
		} else {
			fields[tf.Name] = Text(value)
		}
	}
	return fields
}

// MissingRequired lists required template fields absent from fields.
func MissingRequired(d *TypeDefinition, fields map[string]Field) []string {
	var missing []string
	for _, tf := range d.Fields {
		if !tf.Required {
			continue
		}
		if f, ok := fields[tf.Name]; !ok || f.Len() == 0 {
			missing = append(missing, tf.Name)
		}
	}
	return missing
}
