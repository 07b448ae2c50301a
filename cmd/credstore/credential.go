package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/credstore/internal/cli"
	"github.com/forest6511/credstore/pkg/audit"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/repository"
	"github.com/forest6511/credstore/pkg/session"
)

// Command flags
var (
	listTag  string
	listType string

	showReveal bool
	showField  string

	addType     string
	addFields   []string
	addSecrets  []string
	addPrompt   []string
	addGenerate []string
	addTags     string
	addNotes    string
	addRecipe   = defaultRecipe()

	editTitle        string
	editFields       []string
	editSecrets      []string
	editRemoveFields []string
	editTags         string
	editAddTags      []string
	editRemoveTags   []string
	editNotes        string

	rmForce bool

	searchLimit int
)

func init() {
	rootCmd.AddCommand(listCmd, showCmd, addCmd, editCmd, rmCmd, searchCmd, typesCmd)
	typesCmd.AddCommand(typesDefineCmd)

	listCmd.Flags().StringVar(&listTag, "tag", "", "only credentials with this tag")
	listCmd.Flags().StringVar(&listType, "type", "", "only credentials of this type")

	showCmd.Flags().BoolVar(&showReveal, "reveal", false, "print secret values")
	showCmd.Flags().StringVar(&showField, "field", "", "print only this field's value")

	addCmd.Flags().StringVarP(&addType, "type", "t", "untyped", "credential type")
	addCmd.Flags().StringArrayVarP(&addFields, "field", "f", nil, "field as name=value; kind follows the type template")
	addCmd.Flags().StringArrayVar(&addSecrets, "secret", nil, "secret field as name=value (visible in shell history)")
	addCmd.Flags().StringArrayVar(&addPrompt, "prompt", nil, "prompt for a secret field without echo")
	addCmd.Flags().StringArrayVar(&addGenerate, "generate", nil, "fill a secret field with a random value")
	addCmd.Flags().StringVar(&addTags, "tags", "", "comma-separated tags")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "free-form notes")
	addRecipeFlags(addCmd, &addRecipe)

	editCmd.Flags().StringVar(&editTitle, "title", "", "new title")
	editCmd.Flags().StringArrayVarP(&editFields, "field", "f", nil, "set field as name=value; kind follows the type template")
	editCmd.Flags().StringArrayVar(&editSecrets, "secret", nil, "set secret field as name=value")
	editCmd.Flags().StringArrayVar(&editRemoveFields, "remove-field", nil, "remove a field")
	editCmd.Flags().StringVar(&editTags, "tags", "", "replace tags (comma-separated)")
	editCmd.Flags().StringArrayVar(&editAddTags, "add-tag", nil, "add a tag")
	editCmd.Flags().StringArrayVar(&editRemoveTags, "remove-tag", nil, "remove a tag")
	editCmd.Flags().StringVar(&editNotes, "notes", "", "replace notes")

	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "do not ask for confirmation")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 50, "maximum number of results")
}

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List credentials",
	Long: `List credentials, optionally filtered by a title glob.

Examples:
  credstore list
  credstore list "aws*" --tag prod`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
			all, err := mgr.List()
			if err != nil {
				return err
			}
			matched, err := cli.MatchTitles(pattern, all)
			if err != nil {
				return err
			}
			var out []credential.Summary
			for _, s := range matched {
				if listType != "" && s.Type != listType {
					continue
				}
				if listTag != "" && !s.HasTag(listTag) {
					continue
				}
				out = append(out, s)
			}
			mgr.RecordAccess(audit.OpCredentialList, "")
			cli.PrintSummaries(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id|title>",
	Short: "Show a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
			id, err := resolve(mgr, args[0])
			if err != nil {
				return err
			}
			rec, err := mgr.Get(id)
			if err != nil {
				return err
			}
			defer rec.Wipe()

			if showField != "" {
				f, ok := rec.Fields[showField]
				if !ok {
					return fmt.Errorf("field '%s' not found in '%s'", showField, rec.Title)
				}
				if f.IsSecret() && !showReveal {
					fmt.Fprintln(cmd.OutOrStdout(), f.String())
					return nil
				}
				if f.IsSecret() {
					mgr.RecordAccess(audit.OpCredentialReveal, id)
				}
				fmt.Fprintln(cmd.OutOrStdout(), f.Reveal())
				return nil
			}

			if showReveal {
				mgr.RecordAccess(audit.OpCredentialReveal, id)
			} else {
				mgr.RecordAccess(audit.OpCredentialGetMasked, id)
			}
			cli.PrintRecord(cmd.OutOrStdout(), rec, showReveal)
			return nil
		})
	},
}

// fieldValues collects the field flags of add and edit. Fields named by
// --field take the kind of their template field, --secret ones are always
// secret.
type fieldValues struct {
	values  map[string]string
	secrets map[string]bool
}

func collectFields(textArgs, secretArgs []string) (*fieldValues, error) {
	fv := &fieldValues{values: map[string]string{}, secrets: map[string]bool{}}
	for _, arg := range textArgs {
		name, value, err := cli.ParseFieldArg(arg)
		if err != nil {
			return nil, err
		}
		fv.values[name] = value
	}
	for _, arg := range secretArgs {
		name, value, err := cli.ParseFieldArg(arg)
		if err != nil {
			return nil, err
		}
		fv.values[name] = value
		fv.secrets[name] = true
	}
	return fv, nil
}

func (fv *fieldValues) set(name, value string) {
	fv.values[name] = value
	fv.secrets[name] = true
}

// apply writes the collected fields into r using the template of def.
func (fv *fieldValues) apply(r *credential.Record, def *credential.TypeDefinition) error {
	if r.Fields == nil {
		r.Fields = make(map[string]credential.Field, len(fv.values))
	}
	for name, value := range fv.values {
		if err := credential.ValidateFieldName(name); err != nil {
			return fmt.Errorf("field '%s': %w", name, err)
		}
		kind := def.KindFor(name)
		if fv.secrets[name] {
			kind = credential.KindSecret
		}
		r.Fields[name] = credential.NewField(kind, value)
	}
	return nil
}

func lookupType(mgr *session.Manager, name string) (*credential.TypeDefinition, error) {
	types, err := mgr.Types()
	if err != nil {
		return nil, err
	}
	for _, d := range types {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", credential.ErrUnknownType, name)
}

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a credential",
	Long: `Add a credential. Secret values can be given with --secret, typed at a
hidden prompt with --prompt, or generated with --generate.

Examples:
  credstore add GitHub -t login -f username=alice --prompt password
  credstore add "Prod DB" -t database -f host=db.local --generate password -l 32
  credstore add "Stripe" -t api --secret api_key=sk_live_xxx --tags prod,billing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fv, err := collectFields(addFields, addSecrets)
		if err != nil {
			return err
		}
		for _, name := range addGenerate {
			v, err := addRecipe.Generate()
			if err != nil {
				return err
			}
			fv.set(name, v)
		}

		return withRepository(cmd, true, func(ctx context.Context, mgr *session.Manager) error {
			def, err := lookupType(mgr, addType)
			if err != nil {
				return err
			}
			// Prompts run after the passphrase so the two are not confused.
			for _, name := range addPrompt {
				v, err := readSecretValue(name)
				if err != nil {
					return err
				}
				fv.set(name, v)
			}

			id, err := mgr.Create(args[0], addType, func(r *credential.Record) error {
				if err := fv.apply(r, def); err != nil {
					return err
				}
				r.Tags = credential.NormalizeTags(cli.SplitTags(addTags))
				r.Notes = addNotes
				return nil
			})
			if err != nil {
				return err
			}
			warnMissing(mgr, id, def)
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", id)
			return nil
		})
	},
}

// warnMissing reports required template fields that id leaves unset.
// Creation does not enforce them.
func warnMissing(mgr *session.Manager, id string, def *credential.TypeDefinition) {
	rec, err := mgr.Get(id)
	if err != nil {
		return
	}
	defer rec.Wipe()
	if missing := credential.MissingRequired(def, rec.Fields); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: required fields not set: %s\n", strings.Join(missing, ", "))
	}
}

var editCmd = &cobra.Command{
	Use:   "edit <id|title>",
	Short: "Modify a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fv, err := collectFields(editFields, editSecrets)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		return withRepository(cmd, true, func(ctx context.Context, mgr *session.Manager) error {
			id, err := resolve(mgr, args[0])
			if err != nil {
				return err
			}
			cur, err := mgr.Get(id)
			if err != nil {
				return err
			}
			typeName := cur.Type
			cur.Wipe()
			// A nil definition makes every --field value text.
			def, _ := lookupType(mgr, typeName)

			return mgr.Update(id, func(r *credential.Record) error {
				if flags.Changed("title") {
					r.Title = editTitle
				}
				if err := fv.apply(r, def); err != nil {
					return err
				}
				for _, name := range editRemoveFields {
					if _, ok := r.Fields[name]; !ok {
						return fmt.Errorf("field '%s' not found", name)
					}
					delete(r.Fields, name)
				}
				if flags.Changed("tags") {
					r.Tags = credential.NormalizeTags(cli.SplitTags(editTags))
				}
				editTagSet(r, editAddTags, editRemoveTags)
				if flags.Changed("notes") {
					r.Notes = editNotes
				}
				return nil
			})
		})
	},
}

// editTagSet applies --add-tag before --remove-tag.
func editTagSet(r *credential.Record, add, remove []string) {
	for _, t := range add {
		r.AddTag(t)
	}
	for _, t := range remove {
		r.RemoveTag(t)
	}
}

var rmCmd = &cobra.Command{
	Use:   "rm <id|title>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, true, func(ctx context.Context, mgr *session.Manager) error {
			id, err := resolve(mgr, args[0])
			if err != nil {
				return err
			}
			if !rmForce && !confirmPrompt(cmd.InOrStdin(), fmt.Sprintf("Delete %s?", id)) {
				return fmt.Errorf("aborted")
			}
			if err := mgr.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search titles, tags, types and text fields",
	Long: `Search credentials by substring. Secret values are never indexed, so
they can never match.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
			results, err := mgr.Search(ctx, args[0], searchLimit)
			if err != nil {
				return err
			}
			mgr.RecordAccess(audit.OpCredentialSearch, "")
			cli.PrintSummaries(cmd.OutOrStdout(), results)
			return nil
		})
	},
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List credential types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
			types, err := mgr.Types()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, d := range types {
				origin := "custom"
				if credential.IsBuiltin(d.Name) {
					origin = "built-in"
				}
				fmt.Fprintf(w, "%-12s %-9s %s\n", d.Name, origin, d.Description)
				for _, f := range d.Fields {
					var attrs []string
					if f.Sensitive {
						attrs = append(attrs, "secret")
					}
					if f.Required {
						attrs = append(attrs, "required")
					}
					fmt.Fprintf(w, "    %-16s %s\n", f.Name, strings.Join(attrs, ","))
				}
			}
			return nil
		})
	},
}

var typesDefineCmd = &cobra.Command{
	Use:   "define <file.yml>",
	Short: "Add a custom type from a YAML definition",
	Long: `Add a custom credential type. The type name is the file name without
its extension; the file uses the same format as the repository's types/
directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		def, err := repository.ParseTypeDefinition(data, name)
		if err != nil {
			return err
		}
		return withRepository(cmd, true, func(ctx context.Context, mgr *session.Manager) error {
			if err := mgr.DefineType(def); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Defined type %s\n", def.Name)
			return nil
		})
	},
}

func resolve(mgr *session.Manager, ref string) (string, error) {
	all, err := mgr.List()
	if err != nil {
		return "", err
	}
	return cli.Resolve(ref, all)
}
