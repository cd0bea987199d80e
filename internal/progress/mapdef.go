package progress

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type NodeKind string

const (
	NodeActivity   NodeKind = "activity"
	NodeReward     NodeKind = "reward"
	NodeCompletion NodeKind = "completion"
)

type ActivityDefinition struct {
	ActivityID    string   `yaml:"activityId" json:"activityId"`
	Kind          NodeKind `yaml:"kind" json:"kind"`
	Title         string   `yaml:"title,omitempty" json:"title,omitempty"`
	Tags          []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Prerequisites []string `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Badge         *Badge   `yaml:"badge,omitempty" json:"badge,omitempty"`
}

type MapDefinition struct {
	MapID      string               `yaml:"mapId" json:"mapId"`
	Title      string               `yaml:"title,omitempty" json:"title,omitempty"`
	Activities []ActivityDefinition `yaml:"activities" json:"activities"`
	// TagBadges awards a badge once a tag's completed counter reaches Count.
	TagBadges []TagBadgeRule `yaml:"tagBadges,omitempty" json:"tagBadges,omitempty"`
}

type TagBadgeRule struct {
	Tag   string `yaml:"tag" json:"tag"`
	Count int    `yaml:"count" json:"count"`
	Badge Badge  `yaml:"badge" json:"badge"`
}

func (m MapDefinition) Activity(activityID string) (ActivityDefinition, bool) {
	for _, activity := range m.Activities {
		if activity.ActivityID == activityID {
			return activity, true
		}
	}
	return ActivityDefinition{}, false
}

// Catalog is the parsed map document for every known source, keyed by
// source URL and then by map id.
type Catalog map[string]map[string]MapDefinition

type catalogFile struct {
	Sources []struct {
		URL  string          `yaml:"url"`
		Maps []MapDefinition `yaml:"maps"`
	} `yaml:"sources"`
}

func (c Catalog) Maps(source string) []MapDefinition {
	byID := c[source]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]MapDefinition, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

func (c Catalog) Map(source, mapID string) (MapDefinition, bool) {
	def, ok := c[source][mapID]
	return def, ok
}

func LoadCatalogFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: decode map catalog: %v", ErrInvalidInput, err)
	}
	catalog := Catalog{}
	for _, src := range file.Sources {
		url := strings.TrimSpace(src.URL)
		if url == "" {
			return nil, fmt.Errorf("%w: source url is required", ErrInvalidInput)
		}
		if catalog[url] == nil {
			catalog[url] = map[string]MapDefinition{}
		}
		for _, def := range src.Maps {
			if err := validateMapDefinition(def); err != nil {
				return nil, fmt.Errorf("source %s: %w", url, err)
			}
			if _, dup := catalog[url][def.MapID]; dup {
				return nil, fmt.Errorf("%w: source %s: duplicate map %q", ErrInvalidInput, url, def.MapID)
			}
			for i := range def.Activities {
				if def.Activities[i].Kind == "" {
					def.Activities[i].Kind = NodeActivity
				}
				if badge := def.Activities[i].Badge; badge != nil && badge.SourceURL == "" {
					badge.SourceURL = url
				}
			}
			for i := range def.TagBadges {
				if def.TagBadges[i].Badge.SourceURL == "" {
					def.TagBadges[i].Badge.SourceURL = url
				}
			}
			catalog[url][def.MapID] = def
		}
	}
	return catalog, nil
}

func validateMapDefinition(def MapDefinition) error {
	if strings.TrimSpace(def.MapID) == "" {
		return fmt.Errorf("%w: mapId is required", ErrInvalidInput)
	}
	seen := map[string]struct{}{}
	for _, activity := range def.Activities {
		id := strings.TrimSpace(activity.ActivityID)
		if id == "" {
			return fmt.Errorf("%w: map %s: activityId is required", ErrInvalidInput, def.MapID)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: map %s: duplicate activity %q", ErrInvalidInput, def.MapID, id)
		}
		seen[id] = struct{}{}
		switch activity.Kind {
		case "", NodeActivity, NodeReward, NodeCompletion:
		default:
			return fmt.Errorf("%w: map %s: activity %s has unknown kind %q", ErrInvalidInput, def.MapID, id, activity.Kind)
		}
	}
	for _, activity := range def.Activities {
		for _, prereq := range activity.Prerequisites {
			if _, ok := seen[prereq]; !ok {
				return fmt.Errorf("%w: map %s: activity %s requires unknown activity %q", ErrInvalidInput, def.MapID, activity.ActivityID, prereq)
			}
		}
	}
	for _, rule := range def.TagBadges {
		if strings.TrimSpace(rule.Tag) == "" || rule.Count <= 0 || strings.TrimSpace(rule.Badge.ID) == "" {
			return fmt.Errorf("%w: map %s: tag badge needs tag, positive count and badge id", ErrInvalidInput, def.MapID)
		}
	}
	return nil
}
