// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema generates the plugin manifest and window JSON Schema
// files.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/holomush/pluginhost/internal/plugin"
)

type schemaFile struct {
	name     string
	generate func() ([]byte, error)
}

func main() {
	outDir := "schemas"
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, f := range []schemaFile{
		{name: "plugin.schema.json", generate: plugin.GenerateSchema},
		{name: "window.schema.json", generate: plugin.GenerateWindowSchema},
	} {
		schema, err := f.generate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating %s: %v\n", f.name, err)
			os.Exit(1)
		}

		outPath := filepath.Join(outDir, f.name)
		if err := os.WriteFile(outPath, schema, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", outPath)
	}
}
