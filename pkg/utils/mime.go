package utils

import (
	"mime"
	"net/http"
)

// DetectMimeAndExt sniffs an inline chat attachment (e.g. a screenshot a
// listener pasted into the web channel) to determine both its MIME type
// and standard extension, before ChatHistory.ProcessImages writes it to
// disk under the attachments directory.
// It returns ("application/octet-stream", ".png") if identification fails.
func DetectMimeAndExt(data []byte) (string, string) {
	mimeType := "application/octet-stream"
	if len(data) > 0 {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, mimeToExt(mimeType)
}

// mimeToExt converts a MIME type to its first standard extension, defaulting to ".png".
func mimeToExt(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".png"
	}
	return exts[0]
}
