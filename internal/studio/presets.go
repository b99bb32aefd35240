package studio

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// CategoryAny marks a preset that suits every category at a reduced score.
const CategoryAny = "any"

const (
	categoryScoreWeight = 0.7
	tagScoreWeight      = 0.3
	genericCategoryHit  = 0.5
)

//go:embed presets.yaml
var defaultCatalogYAML []byte

var errInvalidPreset = errors.New("studio: invalid scene preset")

// ScenePreset is a reusable scene description for product photography.
type ScenePreset struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Categories []string `yaml:"categories" json:"categories"`
	Tags       []string `yaml:"tags" json:"tags"`
	Weight     float64  `yaml:"weight" json:"weight"`
	Prompt     string   `yaml:"prompt" json:"prompt"`
}

// PresetMatch is a preset with its ranking score.
type PresetMatch struct {
	Preset ScenePreset `json:"preset"`
	Score  float64     `json:"score"`
}

// Catalog is an immutable set of scene presets.
type Catalog struct {
	presets []ScenePreset
}

type catalogFile struct {
	Presets []ScenePreset `yaml:"presets"`
}

// LoadCatalog parses a YAML catalog, rejecting unknown keys and malformed presets.
func LoadCatalog(reader io.Reader) (*Catalog, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var file catalogFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse preset catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Presets))
	presets := make([]ScenePreset, 0, len(file.Presets))
	for _, preset := range file.Presets {
		if err := validatePreset(preset); err != nil {
			return nil, err
		}
		if _, ok := seen[preset.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate id %q", errInvalidPreset, preset.ID)
		}
		seen[preset.ID] = struct{}{}
		preset.Categories = normalizeTerms(preset.Categories)
		preset.Tags = normalizeTerms(preset.Tags)
		presets = append(presets, preset)
	}
	return &Catalog{presets: presets}, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalogYAML))
}

// LoadCatalogFile reads a catalog from path on fs; an empty path yields the embedded catalog.
func LoadCatalogFile(fs afero.Fs, path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open preset catalog %s: %w", path, err)
	}
	defer file.Close()
	return LoadCatalog(file)
}

func validatePreset(preset ScenePreset) error {
	switch {
	case strings.TrimSpace(preset.ID) == "":
		return fmt.Errorf("%w: missing id", errInvalidPreset)
	case len(preset.Categories) == 0:
		return fmt.Errorf("%w: %s has no categories", errInvalidPreset, preset.ID)
	case preset.Weight <= 0 || preset.Weight > 1:
		return fmt.Errorf("%w: %s weight %.2f outside (0,1]", errInvalidPreset, preset.ID, preset.Weight)
	case strings.TrimSpace(preset.Prompt) == "":
		return fmt.Errorf("%w: %s has no prompt", errInvalidPreset, preset.ID)
	}
	return nil
}

// Presets returns a copy of every preset in catalog order.
func (catalog *Catalog) Presets() []ScenePreset {
	return append([]ScenePreset(nil), catalog.presets...)
}

// Preset looks a preset up by id.
func (catalog *Catalog) Preset(id string) (ScenePreset, bool) {
	for _, preset := range catalog.presets {
		if preset.ID == id {
			return preset, true
		}
	}
	return ScenePreset{}, false
}

// Match keeps presets made for category (or for any category) and ranks them by the
// weighted average of category fit and tag overlap, scaled by the preset weight.
// A limit of zero or less returns every match.
func (catalog *Catalog) Match(category string, tags []string, limit int) []PresetMatch {
	category = strings.ToLower(strings.TrimSpace(category))
	wanted := normalizeTerms(tags)

	matches := make([]PresetMatch, 0, len(catalog.presets))
	for _, preset := range catalog.presets {
		categoryScore := categoryFit(preset, category)
		if categoryScore == 0 {
			continue
		}
		score := (categoryScoreWeight*categoryScore + tagScoreWeight*tagOverlap(preset.Tags, wanted)) /
			(categoryScoreWeight + tagScoreWeight)
		matches = append(matches, PresetMatch{Preset: preset, Score: score * preset.Weight})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Preset.ID < matches[j].Preset.ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func categoryFit(preset ScenePreset, category string) float64 {
	generic := false
	for _, candidate := range preset.Categories {
		if category != "" && candidate == category {
			return 1
		}
		if candidate == CategoryAny {
			generic = true
		}
	}
	if generic || category == "" {
		return genericCategoryHit
	}
	return 0
}

func tagOverlap(presetTags, wanted []string) float64 {
	if len(wanted) == 0 {
		return 0
	}
	hits := 0
	for _, tag := range wanted {
		for _, candidate := range presetTags {
			if candidate == tag {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(wanted))
}

func normalizeTerms(terms []string) []string {
	normalized := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		value := strings.ToLower(strings.TrimSpace(term))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	return normalized
}
