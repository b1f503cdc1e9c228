package store

import (
	"context"
	"fmt"
)

// ValidationResult contains the results of validating a document's entries.
type ValidationResult struct {
	Valid      bool           // true if every entry matches its recorded checksum
	Entries    int            // number of entries checked
	ByKind     map[string]int // entries per kind
	Mismatches int            // entries whose content no longer matches the checksum
	Unsigned   int            // entries without a recorded checksum
	Errors     []string       // detailed error messages
}

// Validate re-hashes every entry of the given kinds and compares it with the checksum
// recorded at write time.
//
// Note: mismatches are NOT returned as errors. They are reported in the
// ValidationResult with Valid=false.
func (s *Store) Validate(ctx context.Context, document string, kinds ...string) (*ValidationResult, error) {
	result := &ValidationResult{
		Valid:  true,
		ByKind: make(map[string]int),
		Errors: make([]string, 0),
	}

	for _, kind := range kinds {
		keys, err := s.List(ctx, document, kind)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			result.Entries++
			result.ByKind[kind]++

			want, err := s.Checksum(ctx, k)
			if err != nil {
				return nil, err
			}
			if want == "" {
				result.Unsigned++
				continue
			}
			data, err := s.Read(ctx, k)
			if err != nil {
				return nil, err
			}
			if got := Sum(data); got != want {
				result.Valid = false
				result.Mismatches++
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s checksum mismatch: expected %s, got %s", k, want, got))
			}
		}
	}

	return result, nil
}
