package crawler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("fetch page: %w", NewError(KindTransient, "fetch", "https://example.org/", cause))

	require.ErrorIs(t, err, ErrTransient)
	require.NotErrorIs(t, err, ErrParse)
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindTransient, KindOf(err))
	require.Contains(t, err.Error(), "https://example.org/")
}

func TestKindOfPlainError(t *testing.T) {
	t.Parallel()

	require.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	require.Equal(t, "config", ErrConfig.Error())
}

func TestDatasetRecordValidate(t *testing.T) {
	t.Parallel()

	good := DatasetRecord{
		Name:   "enrollment",
		Schema: []Column{{Name: "state", Type: TypeText}, {Name: "count", Type: TypeInteger}},
		Rows:   [][]string{{"AL", "10"}, {"AK", "3"}},
	}
	require.NoError(t, good.Validate())

	ragged := good
	ragged.Rows = [][]string{{"AL"}}
	require.Error(t, ragged.Validate())

	dup := good
	dup.Schema = []Column{{Name: "a"}, {Name: "a"}}
	dup.Rows = nil
	require.Error(t, dup.Validate())
}

func TestMediaCategoryDir(t *testing.T) {
	t.Parallel()

	require.Equal(t, "images", MediaImage.Dir())
	require.Equal(t, "videos", MediaVideo.Dir())
	require.Equal(t, "documents", MediaDocument.Dir())
	require.Equal(t, "other", MediaOther.Dir())
	cat, ok := ParseMediaCategory("documents")
	require.True(t, ok)
	require.Equal(t, MediaDocument, cat)
	_, ok = ParseMediaCategory("audio")
	require.False(t, ok)
}
