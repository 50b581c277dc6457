package sitemap

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/mkalish/videodb-crawler/internal/langcode"
)

// Item is one discovered page: the localized URL and its language.
type Item struct {
	URL  string
	Lang langcode.Code
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc   string `xml:"loc"`
		Links []struct {
			Hreflang string `xml:"hreflang,attr"`
			Href     string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"url"`
}

// ParseIndex extracts child document URLs from a root sitemap index.
func ParseIndex(data []byte) ([]string, error) {
	var idx sitemapIndex
	if err := xml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse sitemap index: %w", err)
	}
	locs := make([]string, 0, len(idx.Sitemaps))
	for _, sm := range idx.Sitemaps {
		loc := strings.TrimSpace(sm.Loc)
		if loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}

// ParseItems extracts (url, language) pairs from a child document. Every
// alternate link carries an hreflang attribute; a code outside the known set
// is a data-model violation and fails the parse.
func ParseItems(data []byte) ([]Item, error) {
	var set urlSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap urlset: %w", err)
	}
	var items []Item
	for _, u := range set.URLs {
		for _, link := range u.Links {
			code, err := langcode.Parse(normalizeHreflang(link.Hreflang))
			if err != nil {
				return nil, fmt.Errorf("url %s: %w", u.Loc, err)
			}
			items = append(items, Item{URL: strings.TrimSpace(link.Href), Lang: code})
		}
	}
	return items, nil
}

// FilterByLang keeps only the items in one language, preserving order.
func FilterByLang(items []Item, lang langcode.Code) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Lang == lang {
			out = append(out, item)
		}
	}
	return out
}

// normalizeHreflang drops any region subtag: "zh-TW" becomes "zh".
func normalizeHreflang(hreflang string) string {
	code := strings.ToLower(strings.TrimSpace(hreflang))
	if i := strings.IndexByte(code, '-'); i > 0 {
		code = code[:i]
	}
	return code
}
