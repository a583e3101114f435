package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and resolves either a `Plugin` variable or a
// `New` constructor.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		ctor, ctorErr := so.Lookup("New")
		if ctorErr != nil {
			return nil, fmt.Errorf("%s exports neither Plugin nor New: %w", path, err)
		}
		symbol = ctor
	}
	return resolveSymbol(symbol)
}

func resolveSymbol(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case *func() Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin constructor is nil")
		}
		return (*p)(), nil
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}
