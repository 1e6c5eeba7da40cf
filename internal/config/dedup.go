package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"example.com/datahub/internal/dedup"
	"example.com/datahub/internal/domain"
)

// dedupFile is the on-disk shape of the dedup configuration. Both sections
// are optional; omitted metrics keep their compiled-in defaults.
//
//	priorities:
//	  steps:
//	    apple_watch: 1
//	    oura: 2
//	spans:
//	  steps: 1h
//	  sleep_minutes: 24h
type dedupFile struct {
	Priorities map[string]map[string]int `yaml:"priorities"`
	Spans      map[string]string         `yaml:"spans"`
}

// LoadDedup builds the bucketing policy and priority table. When path is
// empty the defaults are used as-is; otherwise the YAML file overrides them
// per metric. Errors here are fatal: a half-loaded table must never process
// a batch.
func LoadDedup(path, timezone string) (*dedup.Policy, *dedup.Table, error) {
	loc := time.UTC
	if timezone != "" {
		parsed, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid reference timezone %q: %w", timezone, err)
		}
		loc = parsed
	}

	spans := dedup.DefaultSpans()
	ranks := dedup.DefaultRanks()

	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read dedup config: %w", err)
		}
		var file dedupFile
		if err := yaml.Unmarshal(contents, &file); err != nil {
			return nil, nil, fmt.Errorf("parse dedup config: %w", err)
		}

		for metric, sources := range file.Priorities {
			overrides := make(map[domain.Source]int, len(sources))
			for source, rank := range sources {
				overrides[domain.Source(source)] = rank
			}
			ranks[domain.MetricType(metric)] = overrides
		}
		for metric, raw := range file.Spans {
			span, err := time.ParseDuration(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("parse span for metric %q: %w", metric, err)
			}
			spans[domain.MetricType(metric)] = span
		}
	}

	return dedup.NewPolicy(spans, loc), dedup.NewTable(ranks), nil
}
