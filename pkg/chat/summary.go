package chat

import (
	"fmt"
	"strings"

	"rhythmchamber/pkg/model"
	"rhythmchamber/pkg/tools"
)

// summarizeBackend renders the active data-query backend into a short
// paragraph the orchestrator folds into the system prompt, per spec.md
// §4.12 step 2 "(demo-aware) data summary". A nil backend or one with no
// ingested streams yields an empty string (the orchestrator then sends no
// summary section at all).
func summarizeBackend(backend tools.DataBackend) string {
	if backend == nil {
		return ""
	}

	streams := backend.Streams()
	if len(streams) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The user's listening history contains %d plays across %d artists and %d tracks.",
		len(streams), model.UniqueArtistCount(streams), model.UniqueTrackCount(streams))

	if patterns := backend.Patterns(); patterns != nil && patterns.IsDemoData {
		sb.WriteString(" This is demo/sandbox data, not the user's real listening history — make that clear if asked.")
	}

	if personality := backend.Personality(); personality != nil && personality.Label != "" {
		fmt.Fprintf(&sb, " Their music personality has been classified as \"%s\"", personality.Label)
		if personality.Tagline != "" {
			fmt.Fprintf(&sb, " (%s)", personality.Tagline)
		}
		sb.WriteString(".")
	}

	return sb.String()
}
