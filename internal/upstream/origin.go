package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Origin is the site whose assets the agent caches. Every path served by the
// front maps onto the origin below its base path.
type Origin struct {
	base *url.URL
}

// NewOrigin parses an absolute http(s) origin URL.
func NewOrigin(raw string) (*Origin, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("origin must be http or https: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("origin is missing a host: %s", raw)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	parsed.RawPath = ""
	return &Origin{base: parsed}, nil
}

// BaseURL is the directory the manifest's relative asset paths resolve
// against. The returned value is a copy.
func (o *Origin) BaseURL() *url.URL {
	u := *o.base
	return &u
}

func (o *Origin) String() string {
	return o.base.String()
}

// Resolve maps a front path and raw query onto the origin.
func (o *Origin) Resolve(requestPath, rawQuery string) *url.URL {
	if requestPath == "" {
		requestPath = "/"
	}
	clean := path.Clean("/" + requestPath)
	if strings.HasSuffix(requestPath, "/") && clean != "/" {
		clean += "/"
	}
	u := *o.base
	u.Path = strings.TrimSuffix(o.base.Path, "/") + clean
	u.RawQuery = rawQuery
	return &u
}

// Rebase builds the origin request for an incoming one. Hop-by-hop headers are
// dropped and Accept-Encoding is left to the transport so stored bodies are
// always decoded.
func (o *Origin) Rebase(ctx context.Context, method, requestPath, rawQuery string, header http.Header, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		body = http.NoBody
	}
	target := o.Resolve(requestPath, rawQuery)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, header)
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	return req, nil
}
