package canonicaljson

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsObjectKeys(t *testing.T) {
	a, err := Canonicalize([]byte(`{"b":2,"a":1,"c":{"z":true,"y":null}}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"c":{"y":null,"z":true},"a":1,"b":2}`))
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":1,"b":2,"c":{"y":null,"z":true}}`, string(a))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	out, err := Canonicalize([]byte(`[3,1,2,{"b":1,"a":2}]`))
	require.NoError(t, err)
	require.Equal(t, `[3,1,2,{"a":2,"b":1}]`, string(out))
}

func TestCanonicalizeNumbers(t *testing.T) {
	out, err := Canonicalize([]byte(`{"int":100,"neg":-5,"float":1.5,"exp":1e3,"big":9007199254740993}`))
	require.NoError(t, err)
	require.Equal(t, `{"big":9007199254740993,"exp":1000,"float":1.5,"int":100,"neg":-5}`, string(out))
}

func TestCanonicalizeStringsEscaped(t *testing.T) {
	out, err := Canonicalize([]byte(`{"s":"line\nbreak \"q\""}`))
	require.NoError(t, err)
	require.Equal(t, `{"s":"line\nbreak \"q\""}`, string(out))
}

func TestCanonicalizeScalars(t *testing.T) {
	for raw, want := range map[string]string{
		`null`:    `null`,
		`true`:    `true`,
		`false`:   `false`,
		`"x"`:     `"x"`,
		`0`:       `0`,
		`{}`:      `{}`,
		`[]`:      `[]`,
		`{"a":[]}`: `{"a":[]}`,
	} {
		out, err := Canonicalize([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, want, string(out))
	}
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{bad`))
	require.Error(t, err)
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	v1 := map[string]any{"amount": 100, "currency": "USD", "meta": map[string]any{"b": 1, "a": 2}}
	v2 := map[string]any{"meta": map[string]any{"a": 2, "b": 1}, "currency": "USD", "amount": 100}

	a, err := MarshalCanonical(v1)
	require.NoError(t, err)
	b, err := MarshalCanonical(v2)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestMarshalCanonicalNormalizesTimeToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	inLocal := map[string]any{"at": time.Date(2026, 3, 1, 20, 0, 0, 0, loc)}
	inUTC := map[string]any{"at": time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	a, err := MarshalCanonical(inLocal)
	require.NoError(t, err)
	b, err := MarshalCanonical(inUTC)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Contains(t, string(a), "2026-03-01T12:00:00.000Z")
}
