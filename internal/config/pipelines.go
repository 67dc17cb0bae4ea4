package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
)

// pipelinesFile is the on-disk shape of a pipeline definitions file: a flat
// list, since a project may register one pipeline per task type.
type pipelinesFile struct {
	Pipelines []domainpipeline.Pipeline `yaml:"pipelines"`
}

// LoadPipelines reads pipeline definitions from a YAML file. A missing file
// is not an error — it returns an empty slice so the caller can fall back
// to DefaultPipelines().
func LoadPipelines(path string) ([]*domainpipeline.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipelines file %s: %w", path, err)
	}
	var doc pipelinesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse pipelines file %s: %w", path, err)
	}
	out := make([]*domainpipeline.Pipeline, 0, len(doc.Pipelines))
	for i := range doc.Pipelines {
		out = append(out, &doc.Pipelines[i])
	}
	return out, nil
}
