// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func outputFormat() (string, error) {
	switch f := viper.GetString("output"); f {
	case "", outputText:
		return outputText, nil
	case outputJSON, outputYAML:
		return f, nil
	default:
		return "", cperr.Errorf(cperr.CodeCLIInputInvalid, "unknown output format %q (want text, json or yaml)", f)
	}
}

// render writes v in the selected format. text is called for the text
// format; v is encoded for the others.
func render(w io.Writer, v any, text func(io.Writer) error) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// Round trip through JSON so the yaml keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(generic)
	default:
		return text(w)
	}
}
