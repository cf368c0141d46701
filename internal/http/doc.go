// Package http provides the HTTP client used by the built-in downloaders.
//
// This package handles:
//   - Connection pooling shared by all sources of a run
//   - GET with query parameters and POST with a raw body
//   - Reading the whole body and normalizing the content type
//   - Mapping non-2xx responses to *StatusError
//
// The client performs exactly one attempt per call. Retrying with
// backoff is done by fetch.Do, which knows which errors are retryable.
//
// # Usage
//
//	client := http.NewClient(http.Options{Timeout: 2 * time.Minute})
//	resp, err := client.Get(ctx, url, nil, nil)
//	// resp.Body, resp.ContentType
package http
