// Package configs provides embedded configuration templates for marginalia.
//
// How Configuration Templates Work:
//
// Templates are embedded at build time using Go's //go:embed directive.
// This ensures they are available in ALL distributions:
//   - Source builds (go install)
//   - Binary releases
//
// The templates are exported as UserConfigTemplate and
// ProjectConfigTemplate; no CLI command writes them to disk.
//
// Template files:
//   - project-config.example.yaml: Project-specific settings (data_dir, chunk, store, cache)
//   - user-config.example.yaml: Machine-specific settings (embedding/completion services)
//
// Configuration Hierarchy (see internal/config/config.go Load()):
//  1. Hardcoded defaults (internal/config/config.go NewConfig())
//  2. User config (~/.config/marginalia/config.yaml)
//  3. Project config (.marginalia.yaml)
//  4. Environment variables (MARGINALIA_*)
//
// To modify templates, edit the .yaml files in this directory and rebuild.
package configs

import _ "embed"

// UserConfigTemplate is the template for user/machine-level configuration.
// Read from: ~/.config/marginalia/config.yaml
// Contains: which embedding and completion services to reach.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// ProjectConfigTemplate is the template for project-level configuration.
// Read from: .marginalia.yaml in the project root.
// Contains: data directory, chunking, store, and cache settings.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
