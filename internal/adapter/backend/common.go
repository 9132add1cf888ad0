// Package backend implements domain.ExecutionBackend for local processes,
// SSH hosts and SSM managed instances.
package backend

import (
	"regexp"
	"sort"
	"strings"

	"shellpilot/internal/domain"
)

// Listing bounds shared by every variant.
const (
	DefaultListLimit = 100
	MaxListLimit     = 5000
	DefaultMaxRead   = 1 << 20
	notAvailable     = "N/A"
)

// normalizeList clamps pagination and ordering to their allowed ranges.
func normalizeList(opts domain.ListOptions) domain.ListOptions {
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.OrderBy != domain.OrderByDatetime {
		opts.OrderBy = domain.OrderByFilename
	}
	if opts.Path == "" {
		opts.Path = "."
	}
	return opts
}

// keepEntry applies the files/folders filter.
func keepEntry(t domain.ListType, isDir bool) bool {
	switch t {
	case domain.ListFiles:
		return !isDir
	case domain.ListFolders:
		return isDir
	default:
		return true
	}
}

// pageEntries sorts entries deterministically and cuts one page. Ties on
// modification time fall back to the name.
func pageEntries(entries []domain.FileEntry, opts domain.ListOptions) domain.FileListing {
	if opts.OrderBy == domain.OrderByDatetime {
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if !a.Modified.Equal(b.Modified) {
				return a.Modified.After(b.Modified)
			}
			return a.Name < b.Name
		})
	} else {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	}

	total := len(entries)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)
	items := make([]domain.FileEntry, end-start)
	copy(items, entries[start:end])

	return domain.FileListing{Items: items, Total: total, Limit: opts.Limit, Offset: opts.Offset}
}

// windowLines applies a 1-based inclusive line window and the byte cap to
// content read from a file.
func windowLines(path, content string, opts domain.ReadOptions, truncated bool) domain.FileContent {
	lines := strings.SplitAfter(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	if opts.StartLine > 0 || opts.EndLine > 0 {
		start := max(opts.StartLine, 1)
		end := opts.EndLine
		if end <= 0 || end > total {
			end = total
		}
		if start > end {
			content = ""
		} else {
			content = strings.Join(lines[start-1:end], "")
		}
	}
	return domain.FileContent{Path: path, Content: content, TotalLines: total, Truncated: truncated}
}

// replaceAll applies pattern to content and reports how many matches were replaced.
func replaceAll(content, pattern, replacement string, multiline bool) (string, int, error) {
	if multiline {
		pattern = "(?m)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", 0, domain.NewDomainError("UpdateFile", domain.ErrInvalidInput, err.Error())
	}
	n := len(re.FindAllStringIndex(content, -1))
	if n == 0 {
		return content, 0, nil
	}
	return re.ReplaceAllString(content, replacement), n, nil
}

// parseSystemInfo reads "key:value" lines. Missing keys become "N/A".
func parseSystemInfo(raw string) domain.SystemInfo {
	kv := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if v := strings.TrimSpace(value); v != "" {
			kv[strings.TrimSpace(key)] = v
		}
	}
	get := func(k string) string {
		if v, ok := kv[k]; ok {
			return v
		}
		return notAvailable
	}
	return domain.SystemInfo{
		HomeFolder:    get("homeFolder"),
		Type:          get("type"),
		Release:       get("release"),
		Platform:      get("platform"),
		Architecture:  get("architecture"),
		TotalMemory:   get("totalMemory"),
		FreeMemory:    get("freeMemory"),
		Uptime:        get("uptime"),
		CurrentFolder: get("currentFolder"),
	}
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// psQuote single-quotes s for PowerShell.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func transportError(subsystem, op string, err error) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrBackendTransport, err.Error())
}
