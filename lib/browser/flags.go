package browser

import (
	"errors"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/samber/lo"
)

// FlagsFile is the overlay read from CHROMIUM_FLAGS_FILE. Both JSON and YAML
// are accepted:
//
//	{ "flags": ["--lang=en-US", "--window-size=1280,900"] }
type FlagsFile struct {
	Flags []string `json:"flags"`
}

// ParseFlags splits a space-delimited string of Chromium flags. Quotes are not
// supported.
func ParseFlags(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return []string{}
	}
	return strings.Fields(input)
}

// ReadFlagsFile returns the flags listed in the overlay at path. A missing or
// empty file yields no flags and no error.
func ReadFlagsFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, nil
	}

	var ff FlagsFile
	if err := yaml.Unmarshal(content, &ff); err != nil {
		return nil, err
	}
	if ff.Flags == nil {
		return nil, errors.New("flags file missing 'flags' array")
	}
	return lo.FilterMap(ff.Flags, func(tok string, _ int) (string, bool) {
		t := strings.TrimSpace(tok)
		return t, t != ""
	}), nil
}

func splitCSV(csv string) []string {
	return lo.FilterMap(strings.Split(csv, ","), func(part string, _ int) (string, bool) {
		p := strings.TrimSpace(part)
		return p, p != ""
	})
}

// MergeFlags combines base and overlay flags, deduplicating while keeping the
// first occurrence. --load-extension lists from both sides are merged into a
// single flag, and an overlay --disable-extensions wins over any loads.
func MergeFlags(base, overlay []string) []string {
	var (
		plain      []string
		loads      []string
		disableAll bool
	)
	for i, tokens := range [][]string{base, overlay} {
		for _, tok := range tokens {
			switch {
			case strings.HasPrefix(tok, "--load-extension="):
				loads = append(loads, splitCSV(strings.TrimPrefix(tok, "--load-extension="))...)
			case tok == "--disable-extensions":
				// a base-level disable is dropped when extensions are loaded
				if i == 1 {
					disableAll = true
				}
			default:
				plain = append(plain, tok)
			}
		}
	}

	final := lo.Uniq(lo.Compact(plain))
	switch {
	case disableAll:
		final = append(final, "--disable-extensions")
	case len(loads) > 0:
		final = append(final, "--load-extension="+strings.Join(lo.Uniq(loads), ","))
	case lo.Contains(base, "--disable-extensions"):
		final = append(final, "--disable-extensions")
	}
	return final
}
