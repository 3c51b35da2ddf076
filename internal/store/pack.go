package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sleuthworks/sleuth/internal/domain"
	"gopkg.in/yaml.v3"
)

// StoryPack is the YAML authoring format for stories and their characters.
type StoryPack struct {
	Stories []PackStory `yaml:"stories"`
}

// PackStory is one authored story entry.
type PackStory struct {
	Title       string      `yaml:"title"`
	Description string      `yaml:"description"`
	CoverPrompt string      `yaml:"cover_prompt"`
	Solution    string      `yaml:"solution"`
	Linked      bool        `yaml:"linked"`
	Characters  []PackAgent `yaml:"characters"`
}

// PackAgent is one authored character entry.
type PackAgent struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// LoadStoryPack parses and validates a story pack file.
func LoadStoryPack(path string) (*StoryPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading story pack: %w", err)
	}

	var pack StoryPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("loading story pack: %w", err)
	}

	if err := validateStoryPack(&pack); err != nil {
		return nil, fmt.Errorf("loading story pack: %w", err)
	}
	return &pack, nil
}

func validateStoryPack(pack *StoryPack) error {
	if len(pack.Stories) == 0 {
		return fmt.Errorf("at least one story is required")
	}

	seen := make(map[string]struct{})
	for i, story := range pack.Stories {
		if strings.TrimSpace(story.Title) == "" {
			return fmt.Errorf("story %d title is required", i)
		}
		if strings.TrimSpace(story.Description) == "" {
			return fmt.Errorf("story %q description is required", story.Title)
		}
		if strings.TrimSpace(story.Solution) == "" {
			return fmt.Errorf("story %q solution is required", story.Title)
		}
		if len(story.Characters) == 0 {
			return fmt.Errorf("story %q needs at least one character", story.Title)
		}
		key := strings.ToLower(story.Title)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate story title: %s", story.Title)
		}
		seen[key] = struct{}{}

		names := make(map[string]struct{})
		for j, ch := range story.Characters {
			if strings.TrimSpace(ch.Name) == "" {
				return fmt.Errorf("story %q character %d name is required", story.Title, j)
			}
			if strings.TrimSpace(ch.Prompt) == "" {
				return fmt.Errorf("story %q character %q prompt is required", story.Title, ch.Name)
			}
			nameKey := strings.ToLower(ch.Name)
			if _, exists := names[nameKey]; exists {
				return fmt.Errorf("story %q has duplicate character: %s", story.Title, ch.Name)
			}
			names[nameKey] = struct{}{}
		}
	}
	return nil
}

// ImportStoryPack upserts every story in the pack into the repository.
func ImportStoryPack(ctx context.Context, repo Repository, pack *StoryPack) error {
	for _, ps := range pack.Stories {
		story := &domain.Story{
			Title:       ps.Title,
			Description: ps.Description,
			CoverPrompt: ps.CoverPrompt,
			Solution:    ps.Solution,
			Linked:      ps.Linked,
		}
		agents := make([]*domain.Agent, 0, len(ps.Characters))
		for _, ch := range ps.Characters {
			agents = append(agents, &domain.Agent{Name: ch.Name, Prompt: ch.Prompt})
		}
		if err := repo.UpsertStory(ctx, story, agents); err != nil {
			return fmt.Errorf("import story %q: %w", ps.Title, err)
		}
	}
	return nil
}
