package crawler

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

var extensionCategories = map[string]MediaCategory{
	".jpg":  MediaImage,
	".jpeg": MediaImage,
	".png":  MediaImage,
	".gif":  MediaImage,
	".svg":  MediaImage,
	".webp": MediaImage,
	".ico":  MediaImage,
	".bmp":  MediaImage,
	".tif":  MediaImage,
	".tiff": MediaImage,
	".mp4":  MediaVideo,
	".webm": MediaVideo,
	".ogg":  MediaVideo,
	".ogv":  MediaVideo,
	".mov":  MediaVideo,
	".avi":  MediaVideo,
	".m4v":  MediaVideo,
	".pdf":  MediaDocument,
	".doc":  MediaDocument,
	".docx": MediaDocument,
	".xls":  MediaDocument,
	".xlsx": MediaDocument,
	".ppt":  MediaDocument,
	".pptx": MediaDocument,
	".rtf":  MediaDocument,
	".odt":  MediaDocument,
	".ods":  MediaDocument,
	".zip":  MediaOther,
	".mp3":  MediaOther,
	".wav":  MediaOther,
	".csv":  MediaOther,
}

var documentMIMETypes = map[string]struct{}{}

func init() {
	for _, mt := range []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/rtf",
		"application/vnd.oasis.opendocument.text",
	} {
		documentMIMETypes[mt] = struct{}{}
	}
}

// Extension returns the lowercased extension of a URL's path, or "".
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// CategoryFromExtension classifies a URL by its path extension. The boolean
// is false when the extension is not a known asset type.
func CategoryFromExtension(rawURL string) (MediaCategory, bool) {
	cat, ok := extensionCategories[Extension(rawURL)]
	return cat, ok
}

// CategoryFromMIME classifies a Content-Type. The boolean is false for absent
// or generic types that should fall back to the URL extension.
func CategoryFromMIME(contentType string) (MediaCategory, bool) {
	mt := MediaType(contentType)
	switch {
	case mt == "", mt == "application/octet-stream", mt == "binary/octet-stream", mt == "text/plain":
		return "", false
	case strings.HasPrefix(mt, "image/"):
		return MediaImage, true
	case strings.HasPrefix(mt, "video/"):
		return MediaVideo, true
	}
	if _, ok := documentMIMETypes[mt]; ok {
		return MediaDocument, true
	}
	return MediaOther, true
}

// MediaType strips parameters from a Content-Type and lowercases it.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
