// Package fakes ships the managed-side test doubles as a code location: the
// mock builders, the mock interaction recorder and a counter service module.
package fakes

import (
	"embed"
	"io/fs"

	"github.com/R3E-Network/service_bridge/internal/managed"
)

//go:embed js/*.js
var sources embed.FS

// FS returns the fake sources, rooted at their directory.
func FS() fs.FS {
	sub, err := fs.Sub(sources, "js")
	if err != nil {
		panic(err)
	}
	return sub
}

// Load is a managed.Option that loads the fakes into a runtime.
func Load() managed.Option {
	return managed.WithFS(FS())
}

// TestServiceModule is the class of the counter service module. Its static
// createService returns a service with id 10 named "counter".
const TestServiceModule = "fakes.services.TestServiceModule"
