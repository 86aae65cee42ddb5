// Package bundle stores named groups of tunnels that start together.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/wstunnel-manager/internal/appconfig"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned for an unknown bundle name.
var ErrNotFound = errors.New("bundle not found")

// Definition is a named, ordered list of tunnel references (id or tag).
type Definition struct {
	Name    string   `yaml:"name" json:"name"`
	Tunnels []string `yaml:"tunnels" json:"tunnels"`
}

type fileModel struct {
	Bundles map[string]Definition `yaml:"bundles"`
}

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bundles.yaml"), nil
}

// LoadAll returns all bundles sorted by name.
func LoadAll() ([]Definition, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Bundles))
	for _, b := range fm.Bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one bundle by name.
func Get(name string) (Definition, error) {
	fm, err := loadFile()
	if err != nil {
		return Definition{}, err
	}
	b, ok := fm.Bundles[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return b, nil
}

// Create adds or replaces a bundle. Duplicate references are collapsed.
func Create(name string, refs []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("bundle name cannot be empty")
	}
	seen := make(map[string]bool, len(refs))
	tunnels := make([]string, 0, len(refs))
	for i, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return fmt.Errorf("bundle entry %d is empty", i)
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		tunnels = append(tunnels, ref)
	}
	if len(tunnels) == 0 {
		return fmt.Errorf("bundle must include at least one tunnel")
	}

	fm, err := loadFile()
	if err != nil {
		return err
	}
	fm.Bundles[name] = Definition{Name: name, Tunnels: tunnels}
	return saveFile(fm)
}

// Delete removes a bundle by name.
func Delete(name string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Bundles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(fm.Bundles, name)
	return saveFile(fm)
}

func loadFile() (fileModel, error) {
	path, err := filePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Bundles: map[string]Definition{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse bundles: %w", err)
	}
	if fm.Bundles == nil {
		fm.Bundles = map[string]Definition{}
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
