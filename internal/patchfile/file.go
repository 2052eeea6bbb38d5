// Package patchfile reads patch definitions from YAML files and keeps a live
// PatchList in sync with a directory of them.
//
// One file holds the patches of one owner:
//
//	owner: Greeter
//	patches:
//	  - find: '"TARGET"'
//	    group: true
//	    replacements:
//	      - match_regex: '(\i)\.greet\('
//	        replace: '$1.wave('
//	      - match: '"hello"'
//	        replace: '"hi"'
//	        global: true
//
// find/match are literal text; find_regex/match_regex are patterns where \i
// stands for an identifier. The owner defaults to the file name.
package patchfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"livepatch/internal/patcher"
)

// Extensions lists the file suffixes treated as patch files.
var Extensions = []string{".yaml", ".yml"}

// Document is the YAML shape of a patch file.
type Document struct {
	Owner   string  `yaml:"owner"`
	Patches []Patch `yaml:"patches"`
}

// Patch is the YAML shape of one patch definition.
type Patch struct {
	Find         string        `yaml:"find,omitempty"`
	FindRegex    string        `yaml:"find_regex,omitempty"`
	Group        bool          `yaml:"group,omitempty"`
	Repeatable   bool          `yaml:"repeatable,omitempty"`
	NoWarn       bool          `yaml:"no_warn,omitempty"`
	Replacements []Replacement `yaml:"replacements"`
}

// Replacement is the YAML shape of one replacement.
type Replacement struct {
	Match      string `yaml:"match,omitempty"`
	MatchRegex string `yaml:"match_regex,omitempty"`
	Replace    string `yaml:"replace"`
	Global     bool   `yaml:"global,omitempty"`
}

// File is a parsed patch file.
type File struct {
	Path  string
	Owner string
	Defs  []patcher.PatchDefinition
}

// IsPatchFile reports whether path has a patch file extension.
func IsPatchFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// OwnerFromPath derives the default owner from a file name.
func OwnerFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func matcher(literal, regex, field string) (patcher.Matcher, error) {
	switch {
	case literal != "" && regex != "":
		return patcher.Matcher{}, fmt.Errorf("%s and %s_regex are mutually exclusive", field, field)
	case regex != "":
		return patcher.Pattern(regex), nil
	default:
		return patcher.Literal(literal), nil
	}
}

// Parse decodes a patch file. path supplies the default owner and error
// context.
func Parse(path string, data []byte) (*File, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	owner := strings.TrimSpace(doc.Owner)
	if owner == "" {
		owner = OwnerFromPath(path)
	}

	f := &File{Path: path, Owner: owner}
	for i, p := range doc.Patches {
		find, err := matcher(p.Find, p.FindRegex, "find")
		if err != nil {
			return nil, fmt.Errorf("%s: patch %d: %w", path, i, err)
		}
		def := patcher.PatchDefinition{
			Owner:      owner,
			Find:       find,
			Group:      p.Group,
			Repeatable: p.Repeatable,
			NoWarn:     p.NoWarn,
		}
		for j, r := range p.Replacements {
			m, err := matcher(r.Match, r.MatchRegex, "match")
			if err != nil {
				return nil, fmt.Errorf("%s: patch %d replacement %d: %w", path, i, j, err)
			}
			def.Replacements = append(def.Replacements, patcher.Replacement{
				Match:   m,
				Replace: r.Replace,
				Global:  r.Global,
			})
		}
		f.Defs = append(f.Defs, def)
	}
	return f, nil
}

// ReadFile reads and parses one patch file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(path, data)
}

// ReadDir parses every patch file in dir concurrently. Files are returned in
// name order. A missing directory yields no files.
func ReadDir(ctx context.Context, dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read patch dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsPatchFile(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return ReadFiles(ctx, paths)
}

// ReadFiles parses paths concurrently, keeping their order.
func ReadFiles(ctx context.Context, paths []string) ([]*File, error) {
	files := make([]*File, len(paths))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, path := range paths {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			f, err := ReadFile(path)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// Apply replaces each file owner's patches in list. Files sharing an owner
// are merged.
func Apply(list *patcher.PatchList, files []*File) error {
	byOwner := make(map[string][]patcher.PatchDefinition)
	var owners []string
	for _, f := range files {
		if _, ok := byOwner[f.Owner]; !ok {
			owners = append(owners, f.Owner)
		}
		byOwner[f.Owner] = append(byOwner[f.Owner], f.Defs...)
	}
	for _, owner := range owners {
		if err := list.Replace(owner, byOwner[owner]); err != nil {
			return err
		}
	}
	return nil
}
