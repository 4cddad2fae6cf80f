package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/featureloop/internal/config"
	"github.com/basket/featureloop/internal/persistence"
)

// featureFileSchema accepts either a bare array of features or an object
// with a "features" array.
const featureFileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "feature": {
      "type": "object",
      "required": ["category", "name", "description", "steps"],
      "properties": {
        "category": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "steps": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "features": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/feature"}}
  },
  "oneOf": [
    {"$ref": "#/$defs/features"},
    {
      "type": "object",
      "required": ["features"],
      "properties": {"features": {"$ref": "#/$defs/features"}}
    }
  ]
}`

func compileFeatureSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(featureFileSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("features.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("features.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// parseFeatureFile validates data and returns the features in file order.
func parseFeatureFile(data []byte) ([]persistence.FeatureSpec, error) {
	schema, err := compileFeatureSchema()
	if err != nil {
		return nil, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Features []persistence.FeatureSpec `json:"features"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Features, nil
	}
	var specs []persistence.FeatureSpec
	if err := json.Unmarshal(trimmed, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func runImportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("featureloop import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	file := fs.String("file", "", "path to a JSON feature file (- for stdin)")
	dryRun := fs.Bool("dry-run", false, "validate only")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" || len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: featureloop import -file features.json [-dry-run]")
		return 2
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read features: %v\n", err)
		return 1
	}
	specs, err := parseFeatureFile(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *file, err)
		return 1
	}
	if *dryRun {
		fmt.Fprintf(os.Stdout, "%d features valid\n", len(specs))
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, cfg.ProjectName, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	ids, err := store.CreateFeatures(ctx, specs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create features: %v\n", err)
		return 1
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "imported %d features into %s (%d total, %d passing)\n",
		len(ids), cfg.ProjectName, stats.Total, stats.Passing)
	return 0
}
