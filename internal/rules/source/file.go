// Package source fetches rule documents from the places a deployment keeps them.
package source

import (
	"context"
	"fmt"
	"os"

	"revline/internal/rules"
)

// File reads a rule document from disk. The format follows the extension.
type File struct {
	Path string
}

func (f File) Fetch(ctx context.Context) (rules.Document, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return rules.Document{}, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return rules.Document{Data: data, Format: rules.FormatFromPath(f.Path), Origin: "file:" + f.Path}, nil
}

// Builtin serves the embedded default rule set.
type Builtin struct{}

func (Builtin) Fetch(context.Context) (rules.Document, error) {
	return rules.Document{Data: rules.DefaultDocument(), Format: rules.FormatYAML, Origin: "builtin"}, nil
}
