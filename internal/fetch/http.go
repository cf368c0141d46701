package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/undp-data/dfpp/internal/catalog"
	dfpphttp "github.com/undp-data/dfpp/internal/http"
	"github.com/undp-data/dfpp/internal/registry"
)

// Names of the built-in downloaders, as referenced by downloader_function.
const (
	HTTPGetName  = "http_get"
	HTTPPostName = "http_post"
)

// Source.Params keys understood by the HTTP downloaders.
const (
	paramQueryPrefix  = "query."
	paramHeaderPrefix = "header."
	paramBody         = "body"
	paramContentType  = "content_type"
)

// HTTPGet downloads a source URL with GET.
type HTTPGet struct {
	Client *dfpphttp.Client
}

// Download implements Downloader.
func (d HTTPGet) Download(ctx context.Context, src catalog.Source) (Payload, error) {
	if src.URL == "" {
		return Payload{}, &Error{Kind: KindConfig, Err: fmt.Errorf("source %s has no url", src.ID)}
	}
	query, header := splitParams(src.Params)
	resp, err := d.Client.Get(ctx, src.URL, query, header)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: resp.Body, ContentType: resp.ContentType}, nil
}

// HTTPPost downloads a source URL with POST. The request body is taken
// from the "body" param.
type HTTPPost struct {
	Client *dfpphttp.Client
}

// Download implements Downloader.
func (d HTTPPost) Download(ctx context.Context, src catalog.Source) (Payload, error) {
	if src.URL == "" {
		return Payload{}, &Error{Kind: KindConfig, Err: fmt.Errorf("source %s has no url", src.ID)}
	}
	query, header := splitParams(src.Params)
	target := src.URL
	if len(query) > 0 {
		u, err := url.Parse(src.URL)
		if err != nil {
			return Payload{}, &Error{Kind: KindConfig, Err: err}
		}
		q := u.Query()
		for k, vs := range query {
			q[k] = append(q[k], vs...)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	contentType := src.Params[paramContentType]
	if contentType == "" {
		contentType = "application/json"
	}
	resp, err := d.Client.Post(ctx, target, contentType, []byte(src.Params[paramBody]), header)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: resp.Body, ContentType: resp.ContentType}, nil
}

func splitParams(params map[string]string) (url.Values, http.Header) {
	query := url.Values{}
	header := http.Header{}
	for k, v := range params {
		switch {
		case strings.HasPrefix(k, paramQueryPrefix):
			query.Add(strings.TrimPrefix(k, paramQueryPrefix), v)
		case strings.HasPrefix(k, paramHeaderPrefix):
			header.Add(strings.TrimPrefix(k, paramHeaderPrefix), v)
		}
	}
	return query, header
}

// NewRegistry returns a downloader registry holding the built-in HTTP
// downloaders backed by client.
func NewRegistry(client *dfpphttp.Client) *registry.Registry[Downloader] {
	r := registry.New[Downloader]("downloader")
	r.MustRegister(HTTPGetName, HTTPGet{Client: client})
	r.MustRegister(HTTPPostName, HTTPPost{Client: client})
	return r
}
