package classifier

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// patternFile is the on-disk layout of a pattern file.
type patternFile struct {
	Patterns []ErrorPattern `yaml:"patterns"`
}

// LoadPatternsYAML decodes and validates a list of patterns:
//
//	patterns:
//	  - id: quota-exceeded
//	    category: resource-exhaustion
//	    recoverability: retryable
//	    confidence: 0.9
//	    conditions:
//	      - {field: status, operator: equals, value: "429", weight: 1}
func LoadPatternsYAML(r io.Reader) ([]ErrorPattern, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file patternFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode patterns: %w", err)
	}

	for i, p := range file.Patterns {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pattern %d (%q): %w", i, p.ID, err)
		}
	}
	return file.Patterns, nil
}

// LoadPatternsFile reads patterns from a YAML file.
func LoadPatternsFile(path string) ([]ErrorPattern, error) {
	// #nosec G304 -- path comes from operator configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open patterns file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return LoadPatternsYAML(f)
}
