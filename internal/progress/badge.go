package progress

import "strings"

type Badge struct {
	ID        string `json:"id" yaml:"id"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty"`
	SourceURL string `json:"sourceURL,omitempty" yaml:"sourceURL,omitempty"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
	Image     string `json:"image,omitempty" yaml:"image,omitempty"`
}

const BadgeTypeMapCompletion = "skillmap-completion"

// BadgeState is the set of badges already granted to the user. It only grows.
type BadgeState struct {
	Badges []Badge `json:"badges"`
}

func (s *BadgeState) Has(id string) bool {
	if s == nil {
		return false
	}
	id = strings.TrimSpace(id)
	for _, badge := range s.Badges {
		if badge.ID == id {
			return true
		}
	}
	return false
}

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type Preferences struct {
	Language     string         `json:"language,omitempty"`
	HighContrast bool           `json:"highContrast,omitempty"`
	Reader       string         `json:"reader,omitempty"`
	Badges       *BadgeState    `json:"badges,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type SourceStatus string

const (
	SourceApproved    SourceStatus = "approved"
	SourceBanned      SourceStatus = "banned"
	SourceNotApproved SourceStatus = "not-approved"
	SourceUnknown     SourceStatus = "unknown"
)

func ParseSourceStatus(raw string) SourceStatus {
	switch SourceStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceApproved:
		return SourceApproved
	case SourceBanned:
		return SourceBanned
	case SourceNotApproved:
		return SourceNotApproved
	default:
		return SourceUnknown
	}
}
