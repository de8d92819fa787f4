package schema

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBase64(t *testing.T, doc string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

const timeSeriesXML = `<Query>
  <Measures aggregator="SUM" dataField="ticket_count" displayName="Tickets" format="number"/>
  <Rows><Hierarchy dimension="all" displayName="All" isAll="true"/></Rows>
  <Columns><Hierarchy dimension="created_time" displayName="Created" type="time" granularity="day"/></Columns>
</Query>`

func TestDecodeTimeSeries(t *testing.T) {
	s, err := Decode(gzipBase64(t, timeSeriesXML), nil)
	require.NoError(t, err)

	require.Len(t, s.Measures, 1)
	assert.Equal(t, "SUM(ticket_count)", s.Measures[0].Key())
	require.Len(t, s.RowHierarchies, 1)
	assert.True(t, s.RowHierarchies[0].IsAll)
	require.Len(t, s.ColumnHierarchies, 1)
	assert.True(t, s.ColumnHierarchies[0].IsTime())
	assert.Equal(t, "day", s.ColumnHierarchies[0].Granularity)
	assert.False(t, s.IsDrillIn)
	assert.Zero(t, s.DrillLevel())
}

func TestDecodeMeasureContainerAndMultipleHierarchies(t *testing.T) {
	doc := `<Query>
  <Measures>
    <Measure aggregator="avg" dataField="handle_time" displayName="Avg Handle Time"/>
    <Measure aggregator="COUNT" dataField="ticket_id" displayName="Tickets"/>
  </Measures>
  <Rows>
    <Hierarchy dimension="group" displayName="Group"/>
    <Hierarchy dimension="channel" displayName="Channel"/>
  </Rows>
</Query>`
	s, err := Decode(gzipBase64(t, doc), nil)
	require.NoError(t, err)

	require.Len(t, s.Measures, 2)
	assert.Equal(t, "AVG", s.Measures[0].Aggregator)
	assert.Equal(t, "COUNT(ticket_id)", s.Measures[1].Key())
	assert.Equal(t, []string{"Group", "Channel"}, s.RowNames())

	require.Len(t, s.ColumnHierarchies, 1, "missing columns fall back to the all bucket")
	assert.True(t, IsDegenerate(s.ColumnHierarchies))
}

func TestDecodeAcceptsURLAlphabetAndZlib(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(timeSeriesXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	encoded := base64.RawURLEncoding.EncodeToString(buf.Bytes())
	s, err := Decode("  "+encoded[:10]+"\n"+encoded[10:], nil)
	require.NoError(t, err)
	assert.Len(t, s.Measures, 1)
}

func TestDecodeDrillIn(t *testing.T) {
	encodedAttr := gzipBase64(t, `<Hierarchy dimension="agent" displayName="Agent"/>`)
	interactions := []Interaction{
		{Type: InteractionFilter},
		{
			Type: InteractionDrillIn,
			Attributes: []string{
				`<Hierarchy dimension="group" displayName="Group"/>`,
				encodedAttr,
			},
		},
	}
	s, err := Decode(gzipBase64(t, timeSeriesXML), interactions)
	require.NoError(t, err)

	assert.True(t, s.IsDrillIn)
	assert.Equal(t, 2, s.DrillLevel())
	assert.Equal(t, []string{"Group", "Agent"}, s.RowNames())
	assert.Len(t, s.DrillAttributes, 2)
	assert.True(t, s.ColumnHierarchies[0].IsTime(), "columns are untouched by a drill")
}

func TestDecodeNonDrillInteractionLeavesSchema(t *testing.T) {
	s, err := Decode(gzipBase64(t, timeSeriesXML), []Interaction{
		{Type: InteractionDrillIn, Attributes: []string{`<Hierarchy dimension="agent" displayName="Agent"/>`}},
		{Type: InteractionSort},
	})
	require.NoError(t, err)
	assert.False(t, s.IsDrillIn)
	assert.True(t, IsDegenerate(s.RowHierarchies))
	assert.Empty(t, s.DrillAttributes)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"not base64": "%%%not-base64%%%",
		"not gzip":   base64.StdEncoding.EncodeToString([]byte("<Query/>")),
		"not xml":    gzipBase64(t, "hello there"),
		"wrong root": gzipBase64(t, `<Report><Rows/></Report>`),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "%v", err)
		})
	}

	_, err := Decode(gzipBase64(t, timeSeriesXML), []Interaction{
		{Type: InteractionDrillIn, Attributes: []string{"<Hierarchy dimension="}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestEncodeRoundTrip(t *testing.T) {
	in := &QuerySchema{
		Measures: []Measure{
			{Aggregator: "SUM", DataField: "ticket_count", DisplayName: "Tickets"},
			{Aggregator: "AVG", DataField: "csat", DisplayName: "CSAT Rate", Format: "percent"},
		},
		RowHierarchies:    []Hierarchy{{Dimension: "group", DisplayName: "Group"}},
		ColumnHierarchies: []Hierarchy{{Dimension: "created_time", DisplayName: "Created", Type: "time", Granularity: "week"}},
	}
	encoded, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(encoded, nil)
	require.NoError(t, err)
	assert.Equal(t, in.Measures, out.Measures)
	assert.Equal(t, in.RowHierarchies, out.RowHierarchies)
	assert.Equal(t, in.ColumnHierarchies, out.ColumnHierarchies)

	attr, err := EncodeAttribute(Hierarchy{Dimension: "agent", DisplayName: "Agent"})
	require.NoError(t, err)
	assert.Equal(t, `<Hierarchy dimension="agent" displayName="Agent"></Hierarchy>`, attr)
}

func TestParseEnvelope(t *testing.T) {
	encoded := gzipBase64(t, timeSeriesXML)

	t.Run("array interactions", func(t *testing.T) {
		env, err := ParseEnvelope(map[string]any{
			"widgetId":          "w1",
			"visualizationKind": "chart",
			"schema":            encoded,
			"interactionsList":  []any{map[string]any{"type": "FILTER"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "w1", env.WidgetID)
		require.Len(t, env.Interactions, 1)
		assert.Equal(t, InteractionFilter, env.Interactions[0].Type)
	})

	t.Run("string interactions", func(t *testing.T) {
		body := `{"widgetId":"w2","visualizationKind":"grid","schema":"` + encoded +
			`","interactionsList":"[{\"type\":\"DRILL_IN\",\"attributes\":[\"<Hierarchy dimension=\\\"agent\\\" displayName=\\\"Agent\\\"/>\"]}]"}`
		env, err := ParseEnvelope(body)
		require.NoError(t, err)
		s, err := DecodeEnvelope(env)
		require.NoError(t, err)
		assert.True(t, s.IsDrillIn)
		assert.Equal(t, []string{"Agent"}, s.RowNames())
	})

	t.Run("missing schema", func(t *testing.T) {
		_, err := ParseEnvelope(map[string]any{"widgetId": "w3"})
		assert.True(t, errors.Is(err, ErrMalformed))
	})

	t.Run("nil body", func(t *testing.T) {
		_, err := ParseEnvelope(nil)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
}
