// Package http provides the transport used to fetch document fragments.
//
// This package handles:
//   - GET with query parameters against the content endpoint
//   - Static headers and the shared session cookie
//   - Retry with exponential backoff for 5xx, 429 and network errors
//   - Request throttling
//
// Every status >= 400 is returned as a *StatusError; callers treat these as
// transient failures of the fragment.
//
// # Usage
//
//	jar, _ := cookie.Load("cookie.json")
//	client := http.NewClient(http.Options{
//	    Timeout:       30 * time.Second,
//	    RetryAttempts: 2,
//	    Jar:           jar,
//	})
//	defer client.Close()
//
//	body, err := client.GetWithParams(ctx, endpoint, url.Values{
//	    "section_source": {"https://cdn.example/book/OEBPS/content.opf"},
//	})
package http
