package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrMalformed marks every decode failure. A malformed schema cannot be synthesized
// against, so callers leave the original response untouched.
var ErrMalformed = errors.New("malformed query schema")

// maxInflated bounds the decompressed document size.
const maxInflated = 8 << 20

type queryXML struct {
	XMLName  xml.Name      `xml:"Query"`
	Measures []measuresXML `xml:"Measures"`
	Rows     axisXML       `xml:"Rows"`
	Columns  axisXML       `xml:"Columns"`
}

// measuresXML accepts both encodings seen in the wild: repeated attribute-bearing
// <Measures .../> elements, and a <Measures> container of <Measure .../> children.
type measuresXML struct {
	measureXML
	Measure []measureXML `xml:"Measure,omitempty"`
}

type measureXML struct {
	Aggregator  string `xml:"aggregator,attr,omitempty"`
	DataField   string `xml:"dataField,attr,omitempty"`
	DisplayName string `xml:"displayName,attr,omitempty"`
	Format      string `xml:"format,attr,omitempty"`
}

type axisXML struct {
	Hierarchy []hierarchyXML `xml:"Hierarchy"`
}

type hierarchyXML struct {
	XMLName     xml.Name `xml:"Hierarchy"`
	Dimension   string   `xml:"dimension,attr,omitempty"`
	DisplayName string   `xml:"displayName,attr,omitempty"`
	IsAll       string   `xml:"isAll,attr,omitempty"`
	Type        string   `xml:"type,attr,omitempty"`
	Granularity string   `xml:"granularity,attr,omitempty"`
}

func (h hierarchyXML) toHierarchy() Hierarchy {
	isAll, _ := strconv.ParseBool(h.IsAll)
	out := Hierarchy{
		Dimension:   h.Dimension,
		DisplayName: h.DisplayName,
		IsAll:       isAll || strings.EqualFold(h.Dimension, AllDimension),
		Type:        h.Type,
		Granularity: h.Granularity,
	}
	if out.IsAll && out.DisplayName == "" {
		out.DisplayName = "All"
	}
	return out
}

func (m measureXML) empty() bool {
	return m.Aggregator == "" && m.DataField == "" && m.DisplayName == ""
}

func (m measureXML) toMeasure() Measure {
	out := Measure{
		Aggregator:  strings.ToUpper(m.Aggregator),
		DataField:   m.DataField,
		DisplayName: m.DisplayName,
		Format:      m.Format,
	}
	if out.DisplayName == "" {
		out.DisplayName = out.DataField
	}
	return out
}

// Decode turns the base64, compressed, attribute-XML blob into a QuerySchema and applies
// the most recent drill-in interaction, if any.
func Decode(encoded string, interactions []Interaction) (*QuerySchema, error) {
	doc, err := decodeBlob(encoded)
	if err != nil {
		return nil, err
	}

	var q queryXML
	if err := xml.Unmarshal(doc, &q); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse schema xml"), ErrMalformed)
	}

	s := project(q)
	if len(interactions) > 0 {
		s.Interactions = append([]Interaction(nil), interactions...)
		last := interactions[len(interactions)-1]
		if strings.EqualFold(last.Type, InteractionDrillIn) {
			rows, err := decodeAttributes(last.Attributes)
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				s.RowHierarchies = rows
				s.DrillAttributes = append([]Hierarchy(nil), rows...)
			}
			s.IsDrillIn = true
		}
	}
	return s, nil
}

// project normalizes the XML shape into the always-slice representation exactly once.
func project(q queryXML) *QuerySchema {
	s := &QuerySchema{}
	for _, ms := range q.Measures {
		if !ms.measureXML.empty() {
			s.Measures = append(s.Measures, ms.measureXML.toMeasure())
		}
		for _, m := range ms.Measure {
			if !m.empty() {
				s.Measures = append(s.Measures, m.toMeasure())
			}
		}
	}
	for _, h := range q.Rows.Hierarchy {
		s.RowHierarchies = append(s.RowHierarchies, h.toHierarchy())
	}
	for _, h := range q.Columns.Hierarchy {
		s.ColumnHierarchies = append(s.ColumnHierarchies, h.toHierarchy())
	}
	if len(s.RowHierarchies) == 0 {
		s.RowHierarchies = []Hierarchy{AllHierarchy()}
	}
	if len(s.ColumnHierarchies) == 0 {
		s.ColumnHierarchies = []Hierarchy{AllHierarchy()}
	}
	return s
}

func decodeAttributes(attrs []string) ([]Hierarchy, error) {
	out := make([]Hierarchy, 0, len(attrs))
	for i, raw := range attrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		doc := []byte(raw)
		if !strings.HasPrefix(raw, "<") {
			var err error
			if doc, err = decodeBlob(raw); err != nil {
				return nil, errors.Wrapf(err, "drill attribute %d", i)
			}
		}
		var h hierarchyXML
		if err := xml.Unmarshal(doc, &h); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "parse drill attribute %d", i), ErrMalformed)
		}
		out = append(out, h.toHierarchy())
	}
	return out, nil
}

func decodeBlob(encoded string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, encoded)
	if compact == "" {
		return nil, errors.Mark(errors.New("empty schema"), ErrMalformed)
	}

	raw, err := decodeBase64(compact)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "base64 decode schema"), ErrMalformed)
	}
	doc, err := inflate(raw)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "inflate schema"), ErrMalformed)
	}
	return doc, nil
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func inflate(raw []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch {
	case len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(raw))
	case len(raw) >= 2 && raw[0]&0x0f == 8 && (uint16(raw[0])<<8|uint16(raw[1]))%31 == 0:
		r, err = zlib.NewReader(bytes.NewReader(raw))
	default:
		return nil, errors.New("not a gzip or zlib stream")
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	doc, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, err
	}
	if len(doc) > maxInflated {
		return nil, errors.Newf("inflated schema exceeds %d bytes", maxInflated)
	}
	return doc, nil
}

// Encode produces the wire form Decode accepts: attribute XML, gzip, standard base64.
func Encode(s *QuerySchema) (string, error) {
	if s == nil {
		return "", errors.New("encode nil schema")
	}
	q := queryXML{}
	for _, m := range s.Measures {
		q.Measures = append(q.Measures, measuresXML{measureXML: measureXML{
			Aggregator:  m.Aggregator,
			DataField:   m.DataField,
			DisplayName: m.DisplayName,
			Format:      m.Format,
		}})
	}
	for _, h := range s.RowHierarchies {
		q.Rows.Hierarchy = append(q.Rows.Hierarchy, fromHierarchy(h))
	}
	for _, h := range s.ColumnHierarchies {
		q.Columns.Hierarchy = append(q.Columns.Hierarchy, fromHierarchy(h))
	}
	doc, err := xml.Marshal(q)
	if err != nil {
		return "", errors.Wrap(err, "marshal schema xml")
	}
	return deflateBase64(doc)
}

// EncodeAttribute encodes one drill attribute the way the client embeds it in interactionsList.
func EncodeAttribute(h Hierarchy) (string, error) {
	doc, err := xml.Marshal(fromHierarchy(h))
	if err != nil {
		return "", errors.Wrap(err, "marshal drill attribute")
	}
	return string(doc), nil
}

func fromHierarchy(h Hierarchy) hierarchyXML {
	out := hierarchyXML{
		Dimension:   h.Dimension,
		DisplayName: h.DisplayName,
		Type:        h.Type,
		Granularity: h.Granularity,
	}
	if h.IsAll {
		out.IsAll = "true"
	}
	return out
}

func deflateBase64(doc []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return "", errors.Wrap(err, "gzip schema")
	}
	if err := zw.Close(); err != nil {
		return "", errors.Wrap(err, "gzip schema")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Envelope is the JSON body of a pivot request.
type Envelope struct {
	WidgetID          string          `json:"widgetId"`
	VisualizationKind string          `json:"visualizationKind"`
	Title             string          `json:"title,omitempty"`
	Schema            string          `json:"schema"`
	Interactions      InteractionList `json:"interactionsList,omitempty"`
}

// InteractionList accepts either a JSON array or a JSON string holding the array.
type InteractionList []Interaction

func (l *InteractionList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*l = nil
			return nil
		}
		data = []byte(inner)
	}
	var items []Interaction
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

// ParseEnvelope converts an already-parsed request body into an Envelope.
func ParseEnvelope(body any) (*Envelope, error) {
	if body == nil {
		return nil, errors.Mark(errors.New("pivot request has no body"), ErrMalformed)
	}
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "re-encode pivot request"), ErrMalformed)
		}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse pivot request"), ErrMalformed)
	}
	if env.Schema == "" {
		return nil, errors.Mark(errors.New("pivot request carries no schema"), ErrMalformed)
	}
	return &env, nil
}

// DecodeEnvelope decodes the schema of a pivot request together with its interactions.
func DecodeEnvelope(env *Envelope) (*QuerySchema, error) {
	return Decode(env.Schema, env.Interactions)
}
