package canonicalize_test

import (
	"encoding/json"
	"math"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/canonicalize"
)

func TestCanonical_SortsKeys(t *testing.T) {
	b, err := canonicalize.Canonical(map[string]interface{}{
		"zulu":  1,
		"alpha": 2,
		"mike":  map[string]interface{}{"b": true, "a": false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":{"a":false,"b":true},"zulu":1}`, string(b))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	b, err := canonicalize.Canonical(map[string]interface{}{"v": "<b>&</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"v":"<b>&</b>"}`, string(b))
}

func TestCanonical_PreservesNumberBytes(t *testing.T) {
	b, err := canonicalize.Canonical(map[string]interface{}{
		"int": json.Number("9007199254740993"),
		"dec": "10.50", // bounded-precision decimals travel as strings
	})
	require.NoError(t, err)
	assert.Equal(t, `{"dec":"10.50","int":9007199254740993}`, string(b))
}

func TestCanonical_PreservesArrayOrder(t *testing.T) {
	b, err := canonicalize.Canonical([]interface{}{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, string(b))
}

func TestCanonical_RejectsNaNAndInfinity(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := canonicalize.Canonical(map[string]interface{}{"v": bad})
		assert.ErrorIs(t, err, canonicalize.ErrInvalidCanonicalNumber)
	}
}

func TestCanonical_RejectsNaNInsideStructFields(t *testing.T) {
	type amount struct {
		Value float64 `json:"value"`
	}
	type payload struct {
		Amount amount `json:"amount"`
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := canonicalize.Canonical(payload{Amount: amount{Value: bad}})
		assert.ErrorIs(t, err, canonicalize.ErrInvalidCanonicalNumber)
	}
}

func TestCanonical_Stable(t *testing.T) {
	obj := map[string]interface{}{"a": 1, "b": []interface{}{"x", map[string]interface{}{"k": "v"}}}
	first, err := canonicalize.Canonical(obj)
	require.NoError(t, err)
	second, err := canonicalize.Canonical(obj)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSealArtifact_RoundTrip(t *testing.T) {
	obj := map[string]interface{}{
		"schemaVersion": "VerificationReport.v1",
		"ok":            true,
		"summary":       map[string]interface{}{"errors": 0},
	}
	sealed, err := canonicalize.SealArtifact(obj)
	require.NoError(t, err)
	assert.Contains(t, string(sealed), `"artifactHash":"`)

	ok, err := canonicalize.VerifyArtifact(sealed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyArtifact_DetectsTamper(t *testing.T) {
	sealed, err := canonicalize.SealArtifact(map[string]interface{}{"ok": true})
	require.NoError(t, err)

	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal(sealed, &obj))
	obj["ok"] = false
	tampered, err := json.Marshal(obj)
	require.NoError(t, err)

	ok, err := canonicalize.VerifyArtifact(tampered)
	require.NoError(t, err)
	assert.False(t, ok)
}

// genJSONValue produces arbitrary JSON trees of bounded depth.
func genJSONValue(depth int) gopter.Gen {
	leaf := gen.OneGenOf(
		gen.AlphaString().Map(func(s string) interface{} { return s }),
		gen.Int64().Map(func(n int64) interface{} { return json.Number(strconv.FormatInt(n, 10)) }),
		gen.Bool().Map(func(b bool) interface{} { return b }),
		gen.Const(interface{}(nil)),
	)
	if depth <= 0 {
		return leaf
	}
	return gen.OneGenOf(
		leaf,
		gen.MapOf(gen.Identifier(), genJSONValue(depth-1)).Map(func(m map[string]interface{}) interface{} { return m }),
		gen.SliceOfN(3, genJSONValue(depth-1)).Map(func(s []interface{}) interface{} { return s }),
	)
}

func TestCanonical_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("re-serialization is byte-identical", prop.ForAll(
		func(v interface{}) bool {
			first, err := canonicalize.Canonical(v)
			if err != nil {
				return false
			}
			second, err := canonicalize.Canonical(v)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genJSONValue(3),
	))

	properties.Property("base64url envelope round-trips", prop.ForAll(
		func(v interface{}) bool {
			m := map[string]interface{}{"payload": v}
			enc, err := canonicalize.EncodeBase64URLJSON(m)
			if err != nil {
				return false
			}
			var out map[string]interface{}
			if err := canonicalize.DecodeBase64URLJSON(enc, &out); err != nil {
				return false
			}
			a, _ := canonicalize.Canonical(m)
			b, _ := canonicalize.Canonical(out)
			return string(a) == string(b)
		},
		genJSONValue(3),
	))

	properties.TestingRun(t)
}
