// Package registry resolves scanner profile IDs to worker profiles. The
// builtin VentiAPI profile is always present; additional engines come
// from a YAML file loaded at startup.
package registry
