package parser

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalish/videodb-crawler/internal/langcode"
)

func detailPage(rows string) []byte {
	return []byte(fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <link rel="preload" as="image" href="https://cdn.example.com/covers/abc-001.jpg">
</head>
<body>
  <h1>ABC-001 Some Descriptive Title</h1>
  <div x-show="currentTab === 'video_details'">
    <div class="space-y-2">
      %s
    </div>
  </div>
</body>
</html>`, rows))
}

const cnRows = `
<div class="text-secondary"><span>发行日期:</span> <span class="font-medium">2024-01-15</span></div>
<div class="text-secondary"><span>番号:</span> <span class="font-medium">ABC-001</span></div>
<div class="text-secondary"><span>女优:</span> <a href="/cn/actresses/a">Actress A</a> <a href="/cn/actresses/b">Actress B</a></div>
<div class="text-secondary"><span>类型:</span> <a href="/cn/genres/x">Genre X</a></div>
<div class="text-secondary"><span>系列:</span> <a href="/cn/series/s">Series S</a></div>
<div class="text-secondary"><span>发行商:</span> <a href="/cn/makers/m">Maker M</a></div>
`

func TestParseExtractsFields(t *testing.T) {
	t.Parallel()

	detail, err := Parse(langcode.CN, detailPage(cnRows))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/covers/abc-001.jpg", detail.ImageURL)
	assert.Equal(t, "ABC-001 Some Descriptive Title", detail.Title)
	assert.Equal(t, "2024-01-15", detail.ReleaseDate)
	assert.Equal(t, "ABC-001", detail.Code)

	require.Len(t, detail.Cast, 2)
	assert.Equal(t, Link{Name: "Actress A", URL: "/cn/actresses/a"}, detail.Cast[0])
	require.Len(t, detail.Tags, 1)
	assert.Equal(t, "Genre X", detail.Tags[0].Name)
	require.NotNil(t, detail.Series)
	assert.Equal(t, "Series S", detail.Series.Name)
	require.NotNil(t, detail.Maker)
	assert.Equal(t, "Maker M", detail.Maker.Name)
	assert.Nil(t, detail.Label)
}

func TestParseIsOrderIndependent(t *testing.T) {
	t.Parallel()

	reordered := `
<div class="text-secondary"><span>发行商:</span> <a href="/cn/makers/m">Maker M</a></div>
<div class="text-secondary"><span>番号:</span> <span class="font-medium">ABC-001</span></div>
<div class="text-secondary"><span>发行日期:</span> <span class="font-medium">2024-01-15</span></div>
`
	detail, err := Parse(langcode.CN, detailPage(reordered))
	require.NoError(t, err)
	assert.Equal(t, "ABC-001", detail.Code)
	assert.Equal(t, "2024-01-15", detail.ReleaseDate)
	require.NotNil(t, detail.Maker)
}

func TestParseMissingOptionalSections(t *testing.T) {
	t.Parallel()

	detail, err := Parse(langcode.CN, detailPage(""))
	require.NoError(t, err)
	assert.Empty(t, detail.ReleaseDate)
	assert.Empty(t, detail.Code)
	assert.Empty(t, detail.Cast)
	assert.Nil(t, detail.Series)
	// Required anchors are still present, so the parse succeeds.
	assert.NotEmpty(t, detail.Title)
}

func TestParseMissingDetailsContainer(t *testing.T) {
	t.Parallel()

	_, err := Parse(langcode.CN, []byte(`<html><body><h1>Title</h1></body></html>`))
	var structErr *StructureError
	require.ErrorAs(t, err, &structErr)
	assert.Contains(t, structErr.Missing, "container")
}

func TestParseMissingTitleHeading(t *testing.T) {
	t.Parallel()

	page := []byte(`<html><body>
<div x-show="currentTab === 'video_details'"><div class="space-y-2"></div></div>
</body></html>`)
	_, err := Parse(langcode.CN, page)
	var structErr *StructureError
	require.ErrorAs(t, err, &structErr)
	assert.Contains(t, structErr.Missing, "title")
}

func TestParseJapaneseLabels(t *testing.T) {
	t.Parallel()

	rows := `
<div class="text-secondary"><span>品番:</span> <span class="font-medium">ABC-001</span></div>
<div class="text-secondary"><span>ジャンル:</span> <a href="/ja/genres/x">Genre X</a></div>
`
	detail, err := Parse(langcode.JA, detailPage(rows))
	require.NoError(t, err)
	assert.Equal(t, "ABC-001", detail.Code)
	require.Len(t, detail.Tags, 1)
}

func TestParseUnknownLanguageFails(t *testing.T) {
	t.Parallel()

	_, err := Parse(langcode.EN, detailPage(cnRows))
	require.Error(t, err)
	assert.False(t, SupportedLang(langcode.EN))
	assert.True(t, SupportedLang(langcode.ZH))
}
