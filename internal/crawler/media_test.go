package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategoryFromMIME(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		want        MediaCategory
		ok          bool
	}{
		{"image/png", MediaImage, true},
		{"video/mp4; codecs=avc1", MediaVideo, true},
		{"application/pdf", MediaDocument, true},
		{"application/vnd.ms-excel", MediaDocument, true},
		{"application/zip", MediaOther, true},
		{"application/octet-stream", "", false},
		{"text/plain; charset=utf-8", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := CategoryFromMIME(tt.contentType)
		require.Equal(t, tt.ok, ok, tt.contentType)
		require.Equal(t, tt.want, got, tt.contentType)
	}
}

func TestCategoryFromExtension(t *testing.T) {
	t.Parallel()

	cat, ok := CategoryFromExtension("https://example.org/files/Report.PDF?download=1")
	require.True(t, ok)
	require.Equal(t, MediaDocument, cat)

	cat, ok = CategoryFromExtension("https://example.org/img/logo.svg")
	require.True(t, ok)
	require.Equal(t, MediaImage, cat)

	_, ok = CategoryFromExtension("https://example.org/about")
	require.False(t, ok)
}

func TestMediaType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "text/html", MediaType("Text/HTML; charset=UTF-8"))
	require.Equal(t, "text/csv", MediaType("text/csv;;bad"))
	require.Empty(t, MediaType(""))
}
