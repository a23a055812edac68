package queue

import (
	"fmt"
	"path"

	"gopkg.in/yaml.v2"

	"github.com/toxicbuild/toxicmaster/common/models"
)

// ConfigTypeYAML is the only build config format the master understands.
const ConfigTypeYAML = "yaml"

// BuilderConfig is one builder entry of a repo's build config, scoped to
// the branches it applies to.
type BuilderConfig struct {
	Name        string
	TriggeredBy models.TriggerList
}

type rawTriggerConfig struct {
	BuilderName string   `yaml:"builder_name"`
	Statuses    []string `yaml:"statuses"`
}

type rawBuilderConfig struct {
	Name        string             `yaml:"name"`
	Branches    []string           `yaml:"branches"`
	TriggeredBy []rawTriggerConfig `yaml:"triggered_by"`
}

type rawBuildConfig struct {
	Builders []rawBuilderConfig `yaml:"builders"`
}

// ListBuildersFromConfig parses a build config and returns the builder
// entries that apply to the branch, in declaration order. Builders with no
// branches entry apply to every branch; branch patterns are shell globs.
func ListBuildersFromConfig(config, configType, branch string) ([]BuilderConfig, error) {
	if configType != "" && configType != ConfigTypeYAML {
		return nil, fmt.Errorf("unsupported build config type %q", configType)
	}
	raw := rawBuildConfig{}
	if err := yaml.Unmarshal([]byte(config), &raw); err != nil {
		return nil, fmt.Errorf("error parsing build config: %w", err)
	}
	var confs []BuilderConfig
	for _, builder := range raw.Builders {
		if builder.Name == "" {
			return nil, fmt.Errorf("error parsing build config: builder with no name")
		}
		if !matchesBranch(builder.Branches, branch) {
			continue
		}
		conf := BuilderConfig{Name: builder.Name}
		for _, trigger := range builder.TriggeredBy {
			statuses := make([]models.Status, len(trigger.Statuses))
			for i, status := range trigger.Statuses {
				statuses[i] = models.Status(status)
			}
			conf.TriggeredBy = append(conf.TriggeredBy, models.BuildTrigger{
				BuilderName: trigger.BuilderName,
				Statuses:    statuses,
			})
		}
		confs = append(confs, conf)
	}
	return confs, nil
}

func matchesBranch(patterns []string, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
