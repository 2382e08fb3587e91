// Package runs records run lifecycle documents and resolves run modes.
package runs

import (
	"context"
	"fmt"
	"strings"
)

// OptionsSource fetches raw run-mode documents by name. A nil document with
// a nil error means the mode does not exist.
type OptionsSource interface {
	Mode(ctx context.Context, name string) (map[string]any, error)
}

// ModeResolver resolves run modes, folding in their includes.
type ModeResolver struct {
	options OptionsSource
}

// NewModeResolver creates a ModeResolver.
func NewModeResolver(options OptionsSource) *ModeResolver {
	return &ModeResolver{options: options}
}

// Resolve returns the merged configuration for the named mode. A mode M with
// includes [A, B] resolves to the right-fold merge A then B then M, later
// keys winning. The description, includes and subconfig fields are stripped
// from the result.
func (r *ModeResolver) Resolve(ctx context.Context, mode string) (map[string]any, error) {
	if mode == "" {
		return nil, fmt.Errorf("empty run mode")
	}
	base, err := r.options.Mode(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("fetching mode %q: %w", mode, err)
	}
	if base == nil {
		return nil, fmt.Errorf("mode %q doesn't exist", mode)
	}

	includes := stringSlice(base["includes"])
	merged := make(map[string]any)
	for _, name := range includes {
		sub, err := r.options.Mode(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fetching subconfig %q: %w", name, err)
		}
		if sub == nil {
			return nil, fmt.Errorf("subconfig %q for mode %q doesn't exist", name, mode)
		}
		for k, v := range sub {
			merged[k] = v
		}
	}
	for k, v := range base {
		merged[k] = v
	}
	delete(merged, "description")
	delete(merged, "includes")
	delete(merged, "subconfig")
	delete(merged, "_id")
	return merged, nil
}

// HostsForMode returns the reader and crate-controller hosts the mode's
// board list declares. Boards whose type contains "f17" are readers; boards
// of type "f2718" are crate controllers. Hosts are de-duplicated.
func (r *ModeResolver) HostsForMode(ctx context.Context, mode string) (readers, cc []string, err error) {
	doc, err := r.Resolve(ctx, mode)
	if err != nil {
		return nil, nil, err
	}
	boards, ok := doc["boards"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("mode %q has no board list", mode)
	}
	seen := make(map[string]bool)
	for _, raw := range boards {
		board, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		btype, _ := board["type"].(string)
		host, _ := board["host"].(string)
		if host == "" || seen[host] {
			continue
		}
		switch {
		case strings.Contains(btype, "f17"):
			readers = append(readers, host)
			seen[host] = true
		case btype == "f2718":
			cc = append(cc, host)
			seen[host] = true
		}
	}
	return readers, cc, nil
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
