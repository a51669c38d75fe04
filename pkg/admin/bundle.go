package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/savaki/replyrouter/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Bundle encodings
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ImportResult counts what an import changed
type ImportResult struct {
	RulesCreated     int `json:"rulesCreated"`
	RulesUpdated     int `json:"rulesUpdated"`
	RulesDeleted     int `json:"rulesDeleted"`
	TemplatesCreated int `json:"templatesCreated"`
	TemplatesUpdated int `json:"templatesUpdated"`
	TemplatesDeleted int `json:"templatesDeleted"`
}

// Export returns every rule and template of the bot that is not deleted
func (s *Service) Export(ctx context.Context, botID string) (*models.BotBundle, error) {
	ruleSet, err := s.ListRules(ctx, botID)
	if err != nil {
		return nil, err
	}
	tmplSet, err := s.ListTemplates(ctx, botID)
	if err != nil {
		return nil, err
	}
	return &models.BotBundle{
		Version:    models.BundleVersion,
		BotID:      botID,
		ExportedAt: s.now(),
		Rules:      ruleSet,
		Templates:  tmplSet,
	}, nil
}

// Import loads a bundle into botID. The whole bundle is validated before
// anything is written. With replace, existing rules and templates are
// soft-deleted first; otherwise rules merge by name and templates by id.
func (s *Service) Import(ctx context.Context, botID string, bundle *models.BotBundle, replace bool) (*ImportResult, error) {
	if bundle.Version > models.BundleVersion {
		return nil, fmt.Errorf("%w: unsupported bundle version %d", ErrInvalid, bundle.Version)
	}
	if err := validateBundle(botID, bundle); err != nil {
		return nil, err
	}

	existingRules, err := s.ListRules(ctx, botID)
	if err != nil {
		return nil, err
	}
	existingTemplates, err := s.ListTemplates(ctx, botID)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	rulesByName := map[string]models.Rule{}
	templatesByID := map[string]models.ResponseTemplate{}

	if replace {
		for _, r := range existingRules {
			if err := s.DeleteRule(ctx, botID, r.RuleID); err != nil {
				return result, fmt.Errorf("delete rule %s: %w", r.RuleID, err)
			}
			result.RulesDeleted++
		}
		for _, t := range existingTemplates {
			if err := s.DeleteTemplate(ctx, botID, t.TemplateID); err != nil {
				return result, fmt.Errorf("delete template %s: %w", t.TemplateID, err)
			}
			result.TemplatesDeleted++
		}
	} else {
		for _, r := range existingRules {
			rulesByName[nameKey(r.Name)] = r
		}
		for _, t := range existingTemplates {
			templatesByID[t.TemplateID] = t
		}
	}

	for _, r := range bundle.Rules {
		if existing, ok := rulesByName[nameKey(r.Name)]; ok {
			if _, err := s.UpdateRule(ctx, botID, existing.RuleID, r); err != nil {
				return result, fmt.Errorf("update rule %q: %w", r.Name, err)
			}
			result.RulesUpdated++
			continue
		}
		if _, err := s.CreateRule(ctx, botID, r); err != nil {
			return result, fmt.Errorf("create rule %q: %w", r.Name, err)
		}
		result.RulesCreated++
	}

	for _, t := range bundle.Templates {
		if _, ok := templatesByID[t.TemplateID]; ok && t.TemplateID != "" {
			if _, err := s.UpdateTemplate(ctx, botID, t.TemplateID, t); err != nil {
				return result, fmt.Errorf("update template %s: %w", t.TemplateID, err)
			}
			result.TemplatesUpdated++
			continue
		}
		if _, err := s.CreateTemplate(ctx, botID, t); err != nil {
			return result, fmt.Errorf("create template for %s: %w", t.Intent, err)
		}
		result.TemplatesCreated++
	}

	s.logger.Info("bundle imported",
		zap.String("bot_id", botID),
		zap.Bool("replace", replace),
		zap.Int("rules_created", result.RulesCreated),
		zap.Int("rules_updated", result.RulesUpdated),
		zap.Int("templates_created", result.TemplatesCreated),
		zap.Int("templates_updated", result.TemplatesUpdated),
	)
	return result, nil
}

func validateBundle(botID string, bundle *models.BotBundle) error {
	seen := map[string]bool{}
	for i := range bundle.Rules {
		r := bundle.Rules[i]
		r.BotID = botID
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalid, i, err)
		}
		if !r.Active {
			continue
		}
		key := nameKey(r.Name)
		if seen[key] {
			return fmt.Errorf("%w: %q appears twice in bundle", ErrDuplicateName, r.Name)
		}
		seen[key] = true
	}
	for i := range bundle.Templates {
		t := bundle.Templates[i]
		t.BotID = botID
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: template %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EncodeBundle renders a bundle as JSON or YAML
func EncodeBundle(bundle *models.BotBundle, format string) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(bundle)
	case FormatJSON, "":
		return json.MarshalIndent(bundle, "", "  ")
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
}

// DecodeBundle parses a JSON or YAML bundle
func DecodeBundle(data []byte, format string) (*models.BotBundle, error) {
	var bundle models.BotBundle
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("%w: decode yaml bundle: %v", ErrInvalid, err)
		}
	case FormatJSON, "":
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("%w: decode json bundle: %v", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	return &bundle, nil
}

// FormatFromName picks a bundle format from a file name or content type
func FormatFromName(name string) string {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") || strings.Contains(name, "yaml") {
		return FormatYAML
	}
	return FormatJSON
}
