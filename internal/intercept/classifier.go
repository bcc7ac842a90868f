package intercept

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"github.com/vfaronov/httpheader"
)

// Reasons reported by the classifier.
const (
	ReasonSensitive    = "sensitive"
	ReasonBlob         = "blob"
	ReasonInternal     = "internal"
	ReasonLargeArchive = "Large Archive"
	ReasonLargeFile    = "Large File"
	ReasonArchive      = "Archive"
	ReasonInstaller    = "Installer"
	ReasonManual       = "Manual"
	ReasonRemote       = "Remote"
	ReasonNotPriority  = "not priority file type"
)

// DefaultFilename stands in when neither the event, the headers, nor the URL name the file.
const DefaultFilename = "download"

// Decision is the classifier's verdict for one candidate.
type Decision struct {
	Intercept bool   `json:"intercept"`
	Reason    string `json:"reason"`
	Filename  string `json:"filename"`
	Category  string `json:"category"`
}

// Classifier decides whether a candidate should be handed to the relay. It holds
// no state besides its compiled rules and is safe for concurrent use.
type Classifier struct {
	rules      Rules
	extensions map[string]struct{}
	installer  *regexp.Regexp
	sensitive  []string
	internal   []string
}

func NewClassifier(rules Rules) (*Classifier, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	c := &Classifier{
		rules:      rules,
		extensions: make(map[string]struct{}, len(rules.PriorityExtensions)),
	}

	for _, ext := range rules.PriorityExtensions {
		c.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	for _, kw := range rules.SensitiveKeywords {
		c.sensitive = append(c.sensitive, strings.ToLower(kw))
	}

	for _, scheme := range rules.InternalSchemes {
		c.internal = append(c.internal, strings.ToLower(scheme))
	}

	if len(rules.InstallerKeywords) > 0 {
		quoted := make([]string, len(rules.InstallerKeywords))
		for i, kw := range rules.InstallerKeywords {
			quoted[i] = regexp.QuoteMeta(kw)
		}

		re, err := regexp.Compile("(?i)(" + strings.Join(quoted, "|") + ")")
		if err != nil {
			return nil, fmt.Errorf("compile installer keywords: %w", err)
		}

		c.installer = re
	}

	return c, nil
}

// Rules returns the rule set the classifier was built from.
func (c *Classifier) Rules() Rules {
	return c.rules
}

// Classify applies the rules in order; the first one that matches decides.
func (c *Classifier) Classify(cand Candidate) Decision {
	filename := DeriveFilename(cand)
	d := Decision{Filename: filename, Category: Category(filename)}

	if c.Sensitive(pageHost(cand)) {
		d.Reason = ReasonSensitive
		return d
	}

	lowerURL := strings.ToLower(strings.TrimSpace(cand.URL))

	if strings.HasPrefix(lowerURL, "blob:") {
		d.Reason = ReasonBlob
		return d
	}

	for _, scheme := range c.internal {
		if strings.HasPrefix(lowerURL, scheme) {
			d.Reason = ReasonInternal
			return d
		}
	}

	ext := c.priorityExtension(filename) || c.priorityExtension(urlPath(cand.URL))
	large := cand.Size() > c.rules.LargeFileBytes
	keyword := c.installer != nil && (c.installer.MatchString(filename) || c.installer.MatchString(urlPath(cand.URL)))

	switch {
	case ext && large:
		d.Reason = ReasonLargeArchive
	case large:
		d.Reason = ReasonLargeFile
	case ext:
		d.Reason = ReasonArchive
	case keyword:
		d.Reason = ReasonInstaller
	default:
		d.Reason = ReasonNotPriority
		return d
	}

	d.Intercept = true

	return d
}

// Manual is the decision for a user-initiated send: no rule is consulted.
func (c *Classifier) Manual(cand Candidate) Decision {
	filename := DeriveFilename(cand)

	return Decision{Intercept: true, Reason: ReasonManual, Filename: filename, Category: Category(filename)}
}

// Sensitive reports whether host contains a sensitive keyword.
func (c *Classifier) Sensitive(host string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}

	for _, kw := range c.sensitive {
		if strings.Contains(host, kw) {
			return true
		}
	}

	return false
}

// Suppressed reports whether a prompt for rawURL must not be shown while pageURL
// is the active page, and why.
func (c *Classifier) Suppressed(pageURL, rawURL string) (bool, string) {
	if c.Sensitive(hostOf(pageURL)) {
		return true, ReasonSensitive
	}

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(rawURL)), "blob:") {
		return true, ReasonBlob
	}

	return false, ""
}

func (c *Classifier) priorityExtension(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return false
	}

	_, ok := c.extensions[ext]

	return ok
}

// DeriveFilename picks the suggested name, then the Content-Disposition
// filename, then the last URL path segment, then DefaultFilename.
func DeriveFilename(cand Candidate) string {
	if name := baseName(cand.SuggestedFilename); name != "" {
		return name
	}

	if cand.ContentDisposition != "" {
		h := http.Header{"Content-Disposition": []string{cand.ContentDisposition}}
		if _, name, _ := httpheader.ContentDisposition(h); baseName(name) != "" {
			return baseName(name)
		}
	}

	if seg := path.Base(urlPath(cand.URL)); seg != "/" && seg != "." {
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}

		if name := baseName(seg); name != "" {
			return name
		}
	}

	return DefaultFilename
}

// Category buckets a filename by its extension for notification text.
func Category(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return "file"
	}

	kind := filetype.GetType(ext)
	if kind == filetype.Unknown {
		return "file"
	}

	if _, ok := matchers.Archive[kind]; ok {
		return "archive"
	}

	switch kind.MIME.Type {
	case "video", "audio", "image", "application":
		return kind.MIME.Type
	default:
		return "file"
	}
}

func baseName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}

	base := path.Base(name)
	if base == "/" || base == "." || base == ".." {
		return ""
	}

	return base
}

func urlPath(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}

	return u.Path
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}

	return u.Hostname()
}

// pageHost is the host the user is looking at: the page, else the referrer, else the download itself.
func pageHost(cand Candidate) string {
	for _, raw := range []string{cand.PageURL, cand.Referrer, cand.URL} {
		if host := hostOf(raw); host != "" {
			return host
		}
	}

	return ""
}
