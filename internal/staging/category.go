package staging

import (
	"strings"

	"weavebox/internal/store"
)

var (
	documentMarkers = []string{"pdf", "document", "presentation", "spreadsheet"}
	archiveMarkers  = []string{"zip", "compressed", "archive"}
)

// CategoryOf derives the coarse file category from a MIME content type.
func CategoryOf(contentType string) store.Category {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return store.CategoryImage
	case strings.HasPrefix(ct, "video/"):
		return store.CategoryVideo
	case strings.HasPrefix(ct, "audio/"):
		return store.CategoryAudio
	case containsAny(ct, documentMarkers):
		return store.CategoryDocument
	case containsAny(ct, archiveMarkers):
		return store.CategoryArchive
	}
	return store.CategoryFile
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
