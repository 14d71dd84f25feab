//go:build !gcp

package source

import (
	"context"
	"errors"

	"revline/internal/rules"
)

// NewGCS is only available in builds tagged gcp.
func NewGCS(context.Context, string, string) (rules.Source, error) {
	return nil, errors.New("gcs rule source requires a build with -tags gcp")
}
