package progress

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const catalogYAML = `
sources:
  - url: https://example.test/skillmap/x
    maps:
      - mapId: map1
        title: Getting started
        activities:
          - activityId: a1
            tags: [intro]
          - activityId: a2
            kind: activity
            tags: [intro, loops]
          - activityId: cert
            kind: reward
            prerequisites: [a1, a2]
            badge:
              id: badge-map1
              type: skillmap-completion
              title: Map one
        tagBadges:
          - tag: intro
            count: 2
            badge:
              id: badge-intro
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	def, ok := catalog.Map(sourceX, "map1")
	if !ok {
		t.Fatalf("expected map1 in catalog")
	}
	if len(def.Activities) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(def.Activities))
	}
	if def.Activities[0].Kind != NodeActivity {
		t.Fatalf("expected default kind activity, got %q", def.Activities[0].Kind)
	}
	reward, _ := def.Activity("cert")
	if reward.Badge == nil || reward.Badge.SourceURL != sourceX {
		t.Fatalf("expected reward badge to inherit source url, got %+v", reward.Badge)
	}
	if def.TagBadges[0].Badge.SourceURL != sourceX {
		t.Fatalf("expected tag badge to inherit source url")
	}
	if maps := catalog.Maps(sourceX); len(maps) != 1 || maps[0].MapID != "map1" {
		t.Fatalf("unexpected maps %+v", maps)
	}
	if maps := catalog.Maps("missing"); len(maps) != 0 {
		t.Fatalf("expected no maps for unknown source")
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	catalog, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if _, ok := catalog.Map(sourceX, "map1"); !ok {
		t.Fatalf("expected map1 after load")
	}
}

func TestParseCatalogRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing url":        "sources:\n  - maps: []\n",
		"missing map id":     "sources:\n  - url: u\n    maps:\n      - activities: []\n",
		"duplicate activity": "sources:\n  - url: u\n    maps:\n      - mapId: m\n        activities:\n          - activityId: a\n          - activityId: a\n",
		"unknown prereq":     "sources:\n  - url: u\n    maps:\n      - mapId: m\n        activities:\n          - activityId: a\n            prerequisites: [b]\n",
		"bad kind":           "sources:\n  - url: u\n    maps:\n      - mapId: m\n        activities:\n          - activityId: a\n            kind: quiz\n",
		"bad tag rule":       "sources:\n  - url: u\n    maps:\n      - mapId: m\n        tagBadges:\n          - tag: t\n            count: 0\n            badge: {id: b}\n",
		"not yaml":           "sources: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(doc)); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}
