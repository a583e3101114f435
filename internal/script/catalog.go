// Package script resolves script names to plugin chains and runs them as jobs.
package script

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "Aetherra-Core/internal/errors"
)

// Extension marks script files discovered on disk.
const Extension = ".aether"

// Script describes a runnable chain.
type Script struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Path        string   `yaml:"path,omitempty" json:"path,omitempty"`
	Goal        string   `yaml:"goal,omitempty" json:"goal,omitempty"`
	Plugins     []string `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	InputTypes  []string `yaml:"input_types,omitempty" json:"input_types,omitempty"`
	Mode        string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	// Runnable is false for discovered files with no catalog entry.
	Runnable bool `yaml:"-" json:"runnable"`
}

type catalogFile struct {
	Scripts []Script `yaml:"scripts"`
}

// Catalog is an immutable set of scripts keyed by name.
type Catalog struct {
	scripts map[string]Script
}

var ErrScriptNotFound = xerrors.New(CodeScriptNotFound, "script not found")

const CodeScriptNotFound xerrors.Code = "SCRIPT_NOT_FOUND"

func init() {
	xerrors.Register(CodeScriptNotFound, xerrors.Attributes{
		Message:  "script not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeNotFound,
	})
}

// NewCatalog builds a catalog from declared scripts.
func NewCatalog(scripts ...Script) (*Catalog, error) {
	c := &Catalog{scripts: make(map[string]Script, len(scripts))}
	for _, s := range scripts {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "script name cannot be empty")
		}
		if _, dup := c.scripts[s.Name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "duplicate script "+s.Name)
		}
		s.Runnable = true
		c.scripts[s.Name] = s
	}
	return c, nil
}

// LoadCatalog reads the YAML catalog at path and, when dir is set, adds every
// *.aether file found there. A discovered file whose base name matches a
// catalog entry becomes that entry's Path; the others are listed but not
// runnable. A missing catalog file yields an empty catalog.
func LoadCatalog(path, dir string) (*Catalog, error) {
	var file catalogFile
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read script catalog")
		default:
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse script catalog")
			}
		}
	}
	c, err := NewCatalog(file.Scripts...)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return c, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "scan script directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), Extension)
		full := filepath.Join(dir, entry.Name())
		if s, ok := c.scripts[name]; ok {
			if s.Path == "" {
				s.Path = full
				c.scripts[name] = s
			}
			continue
		}
		c.scripts[name] = Script{Name: name, Path: full}
	}
	return c, nil
}

// List returns every script sorted by name.
func (c *Catalog) List() []Script {
	out := make([]Script, 0, len(c.scripts))
	for _, s := range c.scripts {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named script.
func (c *Catalog) Get(name string) (Script, error) {
	s, ok := c.scripts[name]
	if !ok {
		return Script{}, xerrors.Wrap(CodeScriptNotFound, ErrScriptNotFound, name)
	}
	return clone(s), nil
}

// Has reports whether name is a runnable script.
func (c *Catalog) Has(name string) bool {
	s, ok := c.scripts[name]
	return ok && s.Runnable
}

// Len is the number of scripts, runnable or not.
func (c *Catalog) Len() int { return len(c.scripts) }

func clone(s Script) Script {
	s.Plugins = append([]string(nil), s.Plugins...)
	s.InputTypes = append([]string(nil), s.InputTypes...)
	return s
}
