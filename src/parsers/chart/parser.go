// src/parsers/chart/parser.go
package chart

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/services"
)

// File is the YAML shape of a chart-of-accounts seed file:
//
//	accounts:
//	  - code: T-1010
//	    name: Checking
//	    type: asset
type File struct {
	Accounts []services.CreateAccountInput `yaml:"accounts"`
}

// Parse reads a chart definition and validates every account before any of
// it is handed to seeding.
func Parse(r io.Reader) ([]services.CreateAccountInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading chart of accounts: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing chart of accounts: %w", err)
	}
	if len(file.Accounts) == 0 {
		return nil, fmt.Errorf("chart of accounts defines no accounts")
	}

	seen := make(map[string]bool, len(file.Accounts))
	for _, acct := range file.Accounts {
		if acct.Code == "" {
			return nil, fmt.Errorf("chart of accounts entry is missing a code")
		}
		if seen[acct.Code] {
			return nil, fmt.Errorf("duplicate account code %q in chart of accounts", acct.Code)
		}
		seen[acct.Code] = true
		if !acct.Type.Valid() {
			return nil, fmt.Errorf("account %s has invalid type %q", acct.Code, acct.Type)
		}
	}
	return file.Accounts, nil
}

// ParseFile opens and parses a chart definition from disk.
func ParseFile(path string) ([]services.CreateAccountInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening chart of accounts at %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}
