// Package autoload registers every provider adapter factory by side effect.
// Importing it blank is enough for provider.NewRouterFromConfig to resolve
// any "type" a config.json group names, since every subpackage below calls
// provider.RegisterFactory from its own init().
package autoload

import (
	_ "rhythmchamber/pkg/provider/compatible"
	_ "rhythmchamber/pkg/provider/gemini"
	_ "rhythmchamber/pkg/provider/ollama"
	_ "rhythmchamber/pkg/provider/openailm"
)
