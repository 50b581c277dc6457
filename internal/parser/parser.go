// Package parser extracts structured video metadata from stored detail
// pages. The page renders field labels in the visitor's language and does
// not give fields stable classes or ids, so lookup is keyed on the label
// text per language, never on DOM position.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mkalish/videodb-crawler/internal/langcode"
)

// StructureError reports a page missing a required structural anchor. The
// page is the wrong shape, not merely incomplete, so the caller must not
// treat it as a partial success.
type StructureError struct {
	Missing string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("page structure: missing %s", e.Missing)
}

// Link is one name+href pair extracted from a field row.
type Link struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// VideoDetail is the structured output of one detail page. Optional fields
// are zero-valued when the page omits their section.
type VideoDetail struct {
	ImageURL    string `json:"image_url,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
	Code        string `json:"code,omitempty"`
	Title       string `json:"title"`
	Cast        []Link `json:"cast,omitempty"`
	Tags        []Link `json:"tags,omitempty"`
	Series      *Link  `json:"series,omitempty"`
	Maker       *Link  `json:"maker,omitempty"`
	Label       *Link  `json:"label,omitempty"`
}

type labelTable struct {
	releaseDate string
	code        string
	actresses   string
	actors      string
	tags        string
	series      string
	maker       string
	label       string
}

// Pages localize field labels; only these languages have verified tables.
var labelTables = map[langcode.Code]labelTable{
	langcode.ZH: {
		releaseDate: "發行日期:",
		code:        "番號:",
		actresses:   "女優:",
		actors:      "男優:",
		tags:        "類型:",
		series:      "系列:",
		maker:       "發行商:",
		label:       "標籤:",
	},
	langcode.CN: {
		releaseDate: "发行日期:",
		code:        "番号:",
		actresses:   "女优:",
		actors:      "男优:",
		tags:        "类型:",
		series:      "系列:",
		maker:       "发行商:",
		label:       "标籤:",
	},
	langcode.JA: {
		releaseDate: "配信開始日:",
		code:        "品番:",
		actresses:   "女優:",
		actors:      "男優:",
		tags:        "ジャンル:",
		series:      "シリーズ:",
		maker:       "メーカー:",
		label:       "レーベル:",
	},
}

const detailsMarker = "currentTab === 'video_details'"

// Parse extracts a VideoDetail from one page. Missing required anchors (the
// details container, the title heading) fail with *StructureError; missing
// optional sections leave their fields zero.
func Parse(lang langcode.Code, html []byte) (VideoDetail, error) {
	table, ok := labelTables[lang]
	if !ok {
		return VideoDetail{}, fmt.Errorf("no label table for language %s", lang)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return VideoDetail{}, fmt.Errorf("parse html: %w", err)
	}

	details := findDetailsContainer(doc)
	if details == nil {
		return VideoDetail{}, &StructureError{Missing: "video details container"}
	}
	info := details.Find("div.space-y-2").First()
	if info.Length() == 0 {
		return VideoDetail{}, &StructureError{Missing: "video info block"}
	}

	// Index rows by their label span text; sections may be omitted or
	// reordered between pages.
	rows := make(map[string]*goquery.Selection)
	info.Find("div.text-secondary").Each(func(_ int, row *goquery.Selection) {
		span := row.Find("span").First()
		if span.Length() == 0 {
			return
		}
		key := strings.TrimSpace(span.Text())
		if _, exists := rows[key]; !exists {
			rows[key] = row
		}
	})

	detail := VideoDetail{}

	h1 := doc.Find("h1").First()
	if h1.Length() == 0 {
		return VideoDetail{}, &StructureError{Missing: "title heading"}
	}
	detail.Title = strings.TrimSpace(h1.Text())

	if href, ok := doc.Find(`link[rel="preload"][as="image"]`).First().Attr("href"); ok {
		detail.ImageURL = href
	}

	detail.ReleaseDate = rowValue(rows, table.releaseDate)
	detail.Code = rowValue(rows, table.code)
	detail.Cast = append(rowLinks(rows, table.actresses), rowLinks(rows, table.actors)...)
	detail.Tags = rowLinks(rows, table.tags)
	detail.Series = rowLink(rows, table.series)
	detail.Maker = rowLink(rows, table.maker)
	detail.Label = rowLink(rows, table.label)

	return detail, nil
}

// SupportedLang reports whether a label table exists for the language.
func SupportedLang(lang langcode.Code) bool {
	_, ok := labelTables[lang]
	return ok
}

func findDetailsContainer(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("div[x-show]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if v, _ := sel.Attr("x-show"); v == detailsMarker {
			found = sel
			return false
		}
		return true
	})
	return found
}

func rowValue(rows map[string]*goquery.Selection, key string) string {
	row, ok := rows[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(row.Find("span.font-medium").First().Text())
}

func rowLinks(rows map[string]*goquery.Selection, key string) []Link {
	row, ok := rows[key]
	if !ok {
		return nil
	}
	var links []Link
	row.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		links = append(links, Link{Name: strings.TrimSpace(a.Text()), URL: href})
	})
	return links
}

func rowLink(rows map[string]*goquery.Selection, key string) *Link {
	links := rowLinks(rows, key)
	if len(links) == 0 {
		return nil
	}
	return &links[0]
}
