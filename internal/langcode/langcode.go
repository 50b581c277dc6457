// Package langcode defines the closed set of language codes the target site
// publishes in its sitemap. Unknown codes are a data-model violation and fail
// at the boundary rather than defaulting.
package langcode

import "fmt"

// Code identifies one language partition of the site. Each code maps to its
// own tracker table and blob prefix.
type Code int

// The site's supported hreflang values.
const (
	ZH  Code = iota + 1 // traditional Chinese
	CN                  // simplified Chinese
	EN
	JA
	KO
	MS
	TH
	DE
	FR
	VI
	ID
	FIL
	PT
)

var codeNames = map[Code]string{
	ZH:  "zh",
	CN:  "cn",
	EN:  "en",
	JA:  "ja",
	KO:  "ko",
	MS:  "ms",
	TH:  "th",
	DE:  "de",
	FR:  "fr",
	VI:  "vi",
	ID:  "id",
	FIL: "fil",
	PT:  "pt",
}

var nameCodes = func() map[string]Code {
	m := make(map[string]Code, len(codeNames))
	for c, n := range codeNames {
		m[n] = c
	}
	return m
}()

// Parse converts an hreflang string to a Code. Unknown values are an error.
func Parse(s string) (Code, error) {
	c, ok := nameCodes[s]
	if !ok {
		return 0, fmt.Errorf("unknown language code %q", s)
	}
	return c, nil
}

// String returns the hreflang form of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("langcode(%d)", int(c))
}

// Valid reports whether the code is a member of the closed set.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// All returns every supported code in declaration order.
func All() []Code {
	out := make([]Code, 0, len(codeNames))
	for c := ZH; c <= PT; c++ {
		out = append(out, c)
	}
	return out
}
