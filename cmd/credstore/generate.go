package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cobra"
)

const (
	charsetLowercase = "abcdefghijklmnopqrstuvwxyz"
	charsetUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	charsetDigits    = "0123456789"
	charsetSymbols   = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	minSecretLength     = 8
	maxSecretLength     = 256
	defaultSecretLength = 24
	maxSecretCount      = 100
	maxExcludeLength    = 256
)

// secretRecipe describes a random secret to generate.
type secretRecipe struct {
	Length      int
	NoSymbols   bool
	NoNumbers   bool
	NoUppercase bool
	NoLowercase bool
	Exclude     string
}

func defaultRecipe() secretRecipe {
	return secretRecipe{Length: defaultSecretLength}
}

func (r secretRecipe) validate() error {
	if r.Length < minSecretLength {
		return fmt.Errorf("length must be at least %d characters", minSecretLength)
	}
	if r.Length > maxSecretLength {
		return fmt.Errorf("length must be at most %d characters", maxSecretLength)
	}
	if len(r.Exclude) > maxExcludeLength {
		return fmt.Errorf("exclude string must be at most %d characters", maxExcludeLength)
	}
	return nil
}

// charset returns the alphabet the recipe draws from.
func (r secretRecipe) charset() (string, error) {
	var b strings.Builder
	if !r.NoLowercase {
		b.WriteString(charsetLowercase)
	}
	if !r.NoUppercase {
		b.WriteString(charsetUppercase)
	}
	if !r.NoNumbers {
		b.WriteString(charsetDigits)
	}
	if !r.NoSymbols {
		b.WriteString(charsetSymbols)
	}

	result := removeChars(b.String(), r.Exclude)
	if result == "" {
		return "", fmt.Errorf("character set is empty: adjust flags to include at least one character type")
	}
	return result, nil
}

// Generate returns one random secret.
func (r secretRecipe) Generate() (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	cs, err := r.charset()
	if err != nil {
		return "", err
	}
	return randomString(cs, r.Length)
}

func removeChars(s, chars string) string {
	if chars == "" {
		return s
	}
	exclude := make(map[rune]bool)
	for _, c := range chars {
		exclude[c] = true
	}
	var b strings.Builder
	for _, c := range s {
		if !exclude[c] {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// randomString draws length bytes uniformly from charset using crypto/rand.
func randomString(charset string, length int) (string, error) {
	n := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}

// addRecipeFlags registers the recipe flags on cmd.
func addRecipeFlags(cmd *cobra.Command, r *secretRecipe) {
	cmd.Flags().IntVarP(&r.Length, "length", "l", defaultSecretLength, "secret length (8-256)")
	cmd.Flags().BoolVar(&r.NoSymbols, "no-symbols", false, "exclude symbols")
	cmd.Flags().BoolVar(&r.NoNumbers, "no-numbers", false, "exclude numbers")
	cmd.Flags().BoolVar(&r.NoUppercase, "no-uppercase", false, "exclude uppercase letters")
	cmd.Flags().BoolVar(&r.NoLowercase, "no-lowercase", false, "exclude lowercase letters")
	cmd.Flags().StringVar(&r.Exclude, "exclude", "", "characters to exclude")
}

var (
	generateRecipe = defaultRecipe()
	generateCount  int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate random secrets",
	Long: `Generate cryptographically secure random secrets. No repository is opened.

Examples:
  credstore generate
  credstore generate -l 32 --no-symbols
  credstore generate -n 5 --exclude "0O1lI"`,
	Args: cobra.NoArgs,
	// The repository is not needed, so configuration errors are ignored.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if generateCount < 1 || generateCount > maxSecretCount {
			return fmt.Errorf("count must be between 1 and %d", maxSecretCount)
		}
		for i := 0; i < generateCount; i++ {
			s, err := generateRecipe.Generate()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
	addRecipeFlags(generateCmd, &generateRecipe)
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", 1, "number of secrets to generate (1-100)")
}
