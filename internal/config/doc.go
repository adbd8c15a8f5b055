// Package config loads the engine configuration file and turns it into the
// option structs of the catalog, bundle store, managers, event sinks and
// logger. Relative paths in the file are resolved against the file's
// directory.
package config
