// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/util"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// ValidateWithSchema validates a configuration file against the embedded JSON
// schema. Unlike Load it reports every violation at once, which is what the
// -validate-config flag prints.
//
// Example usage:
//
//	if err := config.ValidateWithSchema("config.yaml"); err != nil {
//	    log.Fatal(err)
//	}
func ValidateWithSchema(configPath string) error {
	configData, err := util.ReadFileSafely(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return ValidateBytesWithSchema(configData)
}

// ValidateBytesWithSchema validates YAML (or JSON) configuration bytes.
func ValidateBytesWithSchema(configData []byte) error {
	var configObj any
	if err := yaml.Unmarshal(configData, &configObj); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if configObj == nil {
		configObj = map[string]any{}
	}

	configJSON, err := json.Marshal(configObj)
	if err != nil {
		return fmt.Errorf("failed to convert config to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(configJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}
	return nil
}

// formatValidationErrors formats JSON schema validation errors into a readable message.
// Token values are not echoed.
func formatValidationErrors(errs []gojsonschema.ResultError) error {
	if len(errs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("configuration validation errors:\n")
	for i, e := range errs {
		desc := e.Description()
		if strings.HasSuffix(e.Field(), ".token") {
			desc = "token must be 32 hex characters"
		}
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, e.Field(), desc)
	}
	return apperrors.NewConfigError(errs[0].Field(), "", fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, b.String()))
}

// GetSchemaJSON returns the embedded JSON schema as a string.
func GetSchemaJSON() string {
	return string(schemaJSON)
}
