package importer

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// DiscoverFiles expands paths into the sorted list of files to import.
// Directories are walked recursively; pattern, when non-empty, is a regular
// expression matched against base names. Explicit file arguments bypass the
// pattern so an operator can always force a specific file through.
func DiscoverFiles(paths []string, pattern string) ([]string, error) {
	var matcher *regexp.Regexp
	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile file pattern: %w", err)
		}
		matcher = compiled
	}

	seen := map[string]struct{}{}
	var files []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			// Missing paths still get audit records; keep them in the list.
			add(path)
			continue
		}
		if !info.IsDir() {
			add(path)
			continue
		}

		err = filepath.WalkDir(path, func(entry string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			if matcher != nil && !matcher.MatchString(filepath.Base(entry)) {
				return nil
			}
			add(entry)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// HashFile returns the hex SHA-1 of the file contents. Content hashes drive
// duplicate detection: an unchanged file is skipped unless overwrite is
// requested.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	hasher := sha1.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// RowSelection narrows which data rows of a table are imported. Zero value
// selects everything. Rows lists explicit 1-based row numbers and wins over
// the other fields; Start/End slice by position among the data rows (End 0
// means no upper bound); SampleFraction in (0, 1) keeps a random sample.
type RowSelection struct {
	Rows           []int
	Start          int
	End            int
	SampleFraction float64
}

// IsZero reports whether the selection keeps every row.
func (sel RowSelection) IsZero() bool {
	return len(sel.Rows) == 0 && sel.Start == 0 && sel.End == 0 && sel.SampleFraction == 0
}

// Apply returns the selected subset of rows, preserving order.
func (sel RowSelection) Apply(rows []Row) []Row {
	if sel.IsZero() {
		return rows
	}

	if len(sel.Rows) > 0 {
		wanted := make(map[int]struct{}, len(sel.Rows))
		for _, num := range sel.Rows {
			wanted[num] = struct{}{}
		}
		var selected []Row
		for _, row := range rows {
			if _, ok := wanted[row.Num]; ok {
				selected = append(selected, row)
			}
		}
		return selected
	}

	start := sel.Start
	if start < 0 {
		start = 0
	}
	end := sel.End
	if end <= 0 || end > len(rows) {
		end = len(rows)
	}
	if start >= end {
		return nil
	}
	selected := rows[start:end]

	if sel.SampleFraction > 0 && sel.SampleFraction < 1 {
		var sampled []Row
		for _, row := range selected {
			if rand.Float64() < sel.SampleFraction {
				sampled = append(sampled, row)
			}
		}
		return sampled
	}
	return selected
}
