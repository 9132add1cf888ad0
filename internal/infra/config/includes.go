package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays files named by Config.Includes, typically one file per
// group of targets (includes: ["targets.d/*.yaml"]).
type includer struct {
	seen map[string]bool
}

func (in *includer) apply(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		files, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, f := range files {
			if in.seen[f] {
				return fmt.Errorf("config includes: circular include detected for %q", f)
			}
			in.seen[f] = true
			if err := in.overlay(cfg, f, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *includer) overlay(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	// Targets accumulate across files instead of being replaced.
	existing := cfg.Targets
	cfg.Targets = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	cfg.Targets = append(existing, cfg.Targets...)

	if len(cfg.Includes) > 0 {
		return in.apply(cfg, filepath.Dir(path), depth)
	}
	return nil
}

// expandInclude resolves a possibly-glob pattern relative to baseDir into
// absolute file paths. Patterns may not climb out of baseDir.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let overlay report the missing file.
		matches = []string{pattern}
	}

	for i, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("config includes: abs path %q: %w", m, err)
		}
		matches[i] = abs
	}
	return matches, nil
}
