package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SymbolGroups is the parsed form of a symbol-list YAML file. Groups the file
// does not mention stay nil; the collectors treat a nil group as "nothing to
// fetch" rather than an error.
type SymbolGroups struct {
	Indices          []string `yaml:"indices"`
	Equities         []string `yaml:"equities"`
	Cryptocurrencies []string `yaml:"cryptocurrencies"`
	Futures          []string `yaml:"futures"`
	FutureOptions    []string `yaml:"future_options"`
	Options          []string `yaml:"options"`
}

// All flattens every group into a single slice, in declaration order.
func (g SymbolGroups) All() []string {
	out := make([]string, 0, len(g.Indices)+len(g.Equities)+len(g.Cryptocurrencies)+len(g.Futures)+len(g.FutureOptions)+len(g.Options))
	out = append(out, g.Indices...)
	out = append(out, g.Equities...)
	out = append(out, g.Cryptocurrencies...)
	out = append(out, g.Futures...)
	out = append(out, g.FutureOptions...)
	out = append(out, g.Options...)
	return out
}

// LoadSymbols reads a symbol-list YAML file. A missing or malformed file is a
// configuration error and fatal to the operation that needs the symbols.
func LoadSymbols(path string) (*SymbolGroups, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("symbols file not found: %s: %w", path, err)
	}

	var groups SymbolGroups
	if err := yaml.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("invalid YAML in symbols file %s: %w", path, err)
	}

	return &groups, nil
}
