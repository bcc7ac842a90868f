package intercept

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules is the tunable part of the classifier. Zero-valued fields in a rules
// file keep the built-in defaults.
type Rules struct {
	SensitiveKeywords  []string `yaml:"sensitive_keywords" json:"sensitive_keywords"`
	PriorityExtensions []string `yaml:"priority_extensions" json:"priority_extensions"`
	InstallerKeywords  []string `yaml:"installer_keywords" json:"installer_keywords"`
	InternalSchemes    []string `yaml:"internal_schemes" json:"internal_schemes"`
	LargeFileBytes     int64    `yaml:"large_file_bytes" json:"large_file_bytes"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		SensitiveKeywords: []string{
			"bank", "login", "signin", "checkout", "payment",
			"paypal", "stripe", "billing", "auth", "wallet",
		},
		PriorityExtensions: []string{
			"zip", "rar", "7z", "tar", "gz", "bz2", "xz", "iso",
			"exe", "msi", "dmg", "pkg", "deb", "rpm", "apk", "appimage",
			"mp4", "mkv", "avi", "mov", "mp3", "flac",
		},
		InstallerKeywords: []string{"setup", "installer", "bootstrapper", "webinstall"},
		InternalSchemes:   []string{"data:", "chrome:", "chrome-extension:", "moz-extension:", "about:", "edge:"},
		LargeFileBytes:    5_000_000,
	}
}

// LoadRules reads a YAML rules file over the defaults. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules file: %w", err)
	}

	var file Rules
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return rules, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	rules = rules.merge(file)

	if err := rules.Validate(); err != nil {
		return rules, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	return rules, nil
}

func (r Rules) merge(o Rules) Rules {
	if len(o.SensitiveKeywords) > 0 {
		r.SensitiveKeywords = o.SensitiveKeywords
	}

	if len(o.PriorityExtensions) > 0 {
		r.PriorityExtensions = o.PriorityExtensions
	}

	if len(o.InstallerKeywords) > 0 {
		r.InstallerKeywords = o.InstallerKeywords
	}

	if len(o.InternalSchemes) > 0 {
		r.InternalSchemes = o.InternalSchemes
	}

	if o.LargeFileBytes > 0 {
		r.LargeFileBytes = o.LargeFileBytes
	}

	return r
}

func (r Rules) Validate() error {
	var errs []error

	if r.LargeFileBytes <= 0 {
		errs = append(errs, errors.New("large_file_bytes must be positive"))
	}

	for _, list := range [][]string{r.SensitiveKeywords, r.PriorityExtensions, r.InstallerKeywords, r.InternalSchemes} {
		for _, v := range list {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, errors.New("rule entries must not be blank"))
			}
		}
	}

	return errors.Join(errs...)
}
