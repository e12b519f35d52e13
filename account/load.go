package account

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

type file struct {
	Accounts []*Account `yaml:"accounts"`
}

// Load reads the accounts file.
func Load(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file '%s': %w", path, err)
	}
	return Read(bytes.NewReader(data))
}

func Read(r io.Reader) ([]*Account, error) {
	var f file
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}

	var names []string
	for _, a := range f.Accounts {
		if slices.Contains(names, a.Name) {
			return nil, fmt.Errorf("duplicate account '%s'", a.Name)
		}
		names = append(names, a.Name)

		a.normalize()
		if err := a.validate(); err != nil {
			return nil, err
		}
	}
	return f.Accounts, nil
}
