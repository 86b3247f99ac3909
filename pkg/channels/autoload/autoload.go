// Package autoload registers every channel implementation by side effect.
// Importing it blank is enough to make channels.NewSource recognize each
// channel's "type" string, since every subpackage below calls
// channels.RegisterChannel from its own init().
package autoload

import (
	_ "rhythmchamber/pkg/channels/web"
)
