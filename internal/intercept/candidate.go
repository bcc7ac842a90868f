package intercept

import (
	"fmt"
	"strconv"

	"github.com/segmentio/ksuid"
)

// SourceEvent is the browser event that produced a candidate.
type SourceEvent int

const (
	SourceUnknown SourceEvent = iota
	SourceFilenameDetermination
	SourceDownloadCreated
	SourcePageClick
	SourceContextMenu
	SourceRemoteSignal
)

var sourceNames = map[SourceEvent]string{
	SourceUnknown:               "unknown",
	SourceFilenameDetermination: "filename_determination",
	SourceDownloadCreated:       "download_created",
	SourcePageClick:             "page_click",
	SourceContextMenu:           "context_menu",
	SourceRemoteSignal:          "remote_signal",
}

func (s SourceEvent) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}

	return "unknown"
}

func (s SourceEvent) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SourceEvent) UnmarshalText(text []byte) error {
	for src, name := range sourceNames {
		if name == string(text) {
			*s = src
			return nil
		}
	}

	return fmt.Errorf("unknown source event %q", text)
}

// Candidate is a URL the browser is about to download, as seen by one observer.
type Candidate struct {
	URL                string      `json:"url"`
	SuggestedFilename  string      `json:"filename,omitempty"`
	SizeBytes          int64       `json:"size,omitempty"`
	Source             SourceEvent `json:"source,omitempty"`
	NativeDownloadID   *int64      `json:"download_id,omitempty"`
	Referrer           string      `json:"referrer,omitempty"`
	PageURL            string      `json:"page_url,omitempty"`
	TabID              *int        `json:"tab_id,omitempty"`
	ContentDisposition string      `json:"content_disposition,omitempty"`
	UserAgent          string      `json:"user_agent,omitempty"`
	FormatID           string      `json:"format_id,omitempty"`
}

// Size returns the declared size, treating unknown or negative values as 0.
func (c Candidate) Size() int64 {
	if c.SizeBytes < 0 {
		return 0
	}

	return c.SizeBytes
}

// Key identifies one interception. Both native observers of a download share a key.
type Key string

func NativeKey(id int64) Key {
	return Key("native:" + strconv.FormatInt(id, 10))
}

// PageKey returns a fresh handle for interceptions with no browser download behind them.
func PageKey() Key {
	return Key("page:" + ksuid.New().String())
}

// KeyFor returns the native key when the candidate carries a download id, else a fresh page key.
func KeyFor(c Candidate) Key {
	if c.NativeDownloadID != nil {
		return NativeKey(*c.NativeDownloadID)
	}

	return PageKey()
}

func (k Key) String() string {
	return string(k)
}

// State of an interception. Redirected and ResumedInBrowser are terminal.
type State int

const (
	StateDetected State = iota + 1
	StatePaused
	StateAwaitingRelay
	StateRedirected
	StateResumedInBrowser
)

func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StatePaused:
		return "paused"
	case StateAwaitingRelay:
		return "awaiting_relay"
	case StateRedirected:
		return "redirected"
	case StateResumedInBrowser:
		return "resumed_in_browser"
	default:
		return "none"
	}
}

func (s State) Terminal() bool {
	return s == StateRedirected || s == StateResumedInBrowser
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
