// Package rewrite builds same-shape replacement responses and socket frames from synthetic data.
package rewrite

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"

	"mirage-mcp-server/internal/tap"
)

const envelopeKey = "data"

// HTTP replaces the body of orig with payload, keeping status and headers. The content type
// becomes JSON and transfer headers that no longer describe the body are dropped. When the
// real body is a success envelope ({"data": ...}) only its data member is replaced.
func HTTP(orig *tap.Response, payload any) (*tap.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return JSON(orig, raw)
}

// JSON is HTTP for an already-encoded payload.
func JSON(orig *tap.Response, raw json.RawMessage) (*tap.Response, error) {
	if orig == nil {
		return nil, errors.New("rewrite: nil response")
	}
	body, err := Body(orig.Body, raw)
	if err != nil {
		return nil, err
	}

	header := orig.Header.Clone()
	if header == nil {
		header = make(map[string][]string)
	}
	header.Set("Content-Type", "application/json; charset=utf-8")
	header.Del("Content-Encoding")
	header.Del("ETag")
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &tap.Response{StatusCode: orig.StatusCode, Header: header, Body: body}, nil
}

// Message swaps the data of a socket frame, keeping every envelope field.
func Message(orig *tap.Message, payload any) (*tap.Message, error) {
	if orig == nil {
		return nil, errors.New("rewrite: nil message")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	body, err := Body(orig.Data, raw)
	if err != nil {
		return nil, err
	}
	out := orig.Clone()
	out.Data = body
	return out, nil
}

// Body applies the envelope rule to an original body.
func Body(orig []byte, raw json.RawMessage) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, errors.New("rewrite: payload is not valid JSON")
	}
	trimmed := bytes.TrimSpace(orig)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return raw, nil
	}
	if _, ok := envelope[envelopeKey]; !ok {
		return raw, nil
	}
	envelope[envelopeKey] = raw
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return out, nil
}
