package counter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{Version5, Version51}, r.Versions())
	assert.Equal(t, []string{"dr", "ir", "pr", "tr"}, r.Reports(Version5))
	assert.Equal(t, []string{"dr", "ir", "pr", "tr"}, r.Reports(Version51))
}

func TestRegistryNotFound(t *testing.T) {
	r, err := NewRegistry(WithVersions(Version5))
	require.NoError(t, err)

	_, err = r.Validator(Version51, "tr")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = r.Validator(Version5, "xx")
	assert.True(t, IsNotFound(err))

	_, err = r.DefaultParameters(Version51, "tr")
	assert.True(t, IsNotFound(err))
}

func TestRegistryUnknownVersion(t *testing.T) {
	_, err := NewRegistry(WithVersions("4"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestValidatorLookupIsCaseInsensitive(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	v, err := r.Validator(Version5, "TR")
	require.NoError(t, err)
	assert.Equal(t, "tr", v.ReportID())
	assert.Equal(t, Version5, v.Version())
}

func TestValidate(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	t.Run("valid COUNTER 5 title report", func(t *testing.T) {
		v, err := r.Validator(Version5, "tr")
		require.NoError(t, err)

		res := v.ValidateJSON(readFixture(t, "tr_5.json"))
		assert.True(t, res.Valid, "%v", res.Errors)
		assert.NoError(t, res.Err())
	})

	t.Run("valid COUNTER 5.1 title report", func(t *testing.T) {
		v, err := r.Validator(Version51, "tr")
		require.NoError(t, err)

		res := v.ValidateJSON(readFixture(t, "tr_51.json"))
		assert.True(t, res.Valid, "%v", res.Errors)
	})

	t.Run("header only report with exception", func(t *testing.T) {
		v, err := r.Validator(Version5, "tr")
		require.NoError(t, err)

		res := v.ValidateJSON(readFixture(t, "no_usage_5.json"))
		assert.True(t, res.Valid, "%v", res.Errors)
	})

	t.Run("release mismatch", func(t *testing.T) {
		v, err := r.Validator(Version51, "tr")
		require.NoError(t, err)

		res := v.ValidateJSON(readFixture(t, "tr_5.json"))
		assert.False(t, res.Valid)
	})

	t.Run("wrong report type", func(t *testing.T) {
		v, err := r.Validator(Version5, "pr")
		require.NoError(t, err)

		res := v.ValidateJSON(readFixture(t, "tr_5.json"))
		assert.False(t, res.Valid)
	})

	t.Run("invalid items", func(t *testing.T) {
		v, err := r.Validator(Version5, "tr")
		require.NoError(t, err)

		res := v.ValidateJSON(readFixture(t, "tr_5_invalid.json"))
		require.False(t, res.Valid)
		require.NotEmpty(t, res.Errors)

		var paths []string
		for _, e := range res.Errors {
			paths = append(paths, e.Path)
		}
		assert.Contains(t, paths, "/Report_Items/0/Performance/0/Instance/0/Count")

		err = res.Err()
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(err.Error(), "report validation failed"))
	})

	t.Run("not json", func(t *testing.T) {
		v, err := r.Validator(Version5, "tr")
		require.NoError(t, err)

		res := v.ValidateJSON([]byte("<html>busy</html>"))
		assert.False(t, res.Valid)
	})
}

func TestValidateDoesNotMutate(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	v, err := r.Validator(Version5, "tr")
	require.NoError(t, err)

	data := readFixture(t, "tr_5_invalid.json")
	doc, err := Decode(data)
	require.NoError(t, err)
	pristine, err := Decode(data)
	require.NoError(t, err)

	v.Validate(doc)
	v.Validate(doc)
	assert.Equal(t, pristine, doc)
}

func TestDefaultParameters(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	p, err := r.DefaultParameters(Version5, "tr")
	require.NoError(t, err)
	assert.Equal(t, "Data_Type|Section_Type|YOP|Access_Type|Access_Method", p["attributes_to_show"])

	p["attributes_to_show"] = "mutated"
	again, err := r.DefaultParameters(Version5, "tr")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again["attributes_to_show"])

	p51, err := r.DefaultParameters(Version51, "tr")
	require.NoError(t, err)
	assert.NotContains(t, p51["attributes_to_show"], "Section_Type")
}

func TestMerge(t *testing.T) {
	merged := Merge(
		Parameters{"a": "1", "b": "1", "c": "1"},
		Parameters{"b": "2", "c": ""},
		Parameters{"d": "3"},
	)
	assert.Equal(t, Parameters{"a": "1", "b": "2", "d": "3"}, merged)
	assert.Equal(t, "a=1&b=2&d=3", merged.Values().Encode())
}
