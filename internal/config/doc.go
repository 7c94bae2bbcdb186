// Package config loads YAML configuration for the streaming binaries.
//
// ${VAR} references are expanded from the environment before parsing, so
// credentials and database passwords can stay out of the file.
package config
