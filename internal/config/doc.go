// Package config loads the elit.json project configuration. Missing
// fields fall back to defaults, so an empty file is a valid project.
package config
