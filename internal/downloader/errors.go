package downloader

import "fmt"

// HTTPError reports a non-200 response. These are assumed transient, likely
// rate limiting or a server fault, and are the only errors the retry policy
// retries.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d fetching %s", e.StatusCode, e.URL)
}

// MalformedHTMLError reports a 200 response whose body is missing the
// expected structural marker: a deleted or moved page rendered as a
// soft-error document. Retrying would fetch the same wrong page again, so
// it propagates immediately.
type MalformedHTMLError struct {
	URL    string
	Reason string
}

func (e *MalformedHTMLError) Error() string {
	return fmt.Sprintf("malformed page %s: %s", e.URL, e.Reason)
}
