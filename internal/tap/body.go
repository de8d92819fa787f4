package tap

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
)

const (
	maxFormMemory = 1 << 20
	maxBodyBytes  = 32 << 20
)

// NormalizeURL resolves raw against the page origin. Absolute URLs pass unchanged.
func NormalizeURL(origin *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %q", raw)
	}
	if origin == nil || u.IsAbs() {
		return u, nil
	}
	return origin.ResolveReference(u), nil
}

// ParseRequestBody extracts the body of a non read-only request. JSON bodies decode to a value,
// form and multipart bodies to a map of fields, anything else to the raw text. A body that
// fails to parse is reported as nil.
func ParseRequestBody(method, contentType string, body []byte) any {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return nil
	}
	if len(body) == 0 {
		return nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body)
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil
		}
		return v
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		return flatten(values)
	case mediaType == "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(maxFormMemory)
		if err != nil {
			return nil
		}
		defer form.RemoveAll()
		out := flatten(form.Value)
		for name, files := range form.File {
			if len(files) > 0 {
				out[name] = files[0].Filename
			}
		}
		return out
	default:
		return string(body)
	}
}

func flatten(values map[string][]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return out
}

// decodeBody undoes a gzip content encoding. ok is false for encodings we cannot read.
func decodeBody(h http.Header, raw []byte) (body []byte, decoded, ok bool) {
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding"))) {
	case "", "identity":
		return raw, false, true
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, false, false
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, maxBodyBytes))
		if err != nil {
			return nil, false, false
		}
		return out, true, true
	default:
		return nil, false, false
	}
}
