package cmd

import (
	"log/slog"

	"github.com/dukex/genflow/pkg/registry"
)

// NewRegistry returns the built-in node types with their provider models replaced by models.
func NewRegistry(logger *slog.Logger, models map[string]string) (*registry.Registry, error) {
	reg := registry.NewDefaultRegistry(logger)

	for nodeType, model := range models {
		spec, err := reg.Lookup(nodeType)
		if err != nil {
			return nil, err
		}

		spec.Model = model
		reg.Register(spec)
	}

	return reg, nil
}
