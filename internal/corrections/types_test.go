package corrections

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextElement_DefaultsOnMissingKeys(t *testing.T) {
	var e ContextElement
	require.NoError(t, json.Unmarshal([]byte(`{"key":"a","value":"b"}`), &e))
	assert.False(t, e.Important)
	assert.Equal(t, 1.0, e.Weight)
	assert.False(t, e.AbsenceAllowed)
}

func TestContextElement_UnknownKeysIgnored(t *testing.T) {
	var e ContextElement
	require.NoError(t, json.Unmarshal([]byte(`{"key":"a","value":"b","extra":"ignored"}`), &e))
	assert.Equal(t, "a", e.Key)
}

func TestContextElement_RoundTrip(t *testing.T) {
	original := ContextElement{Key: "a", Value: "b", Important: true, Weight: 2.5, AbsenceAllowed: true}
	data, err := json.Marshal(original)
	require.NoError(t, err)
	var decoded ContextElement
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestContextList_EqualIgnoresDefaultedFields(t *testing.T) {
	var a, b ContextElement
	require.NoError(t, json.Unmarshal([]byte(`{"key":"k","value":"v"}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"key":"k","value":"v","weight":1.0}`), &b))
	assert.True(t, ContextList{a}.Equal(ContextList{b}))
}

func TestContextList_EqualDetectsDifference(t *testing.T) {
	a := ContextList{{Key: "k", Value: "v"}}
	b := ContextList{{Key: "k", Value: "different"}}
	assert.False(t, a.Equal(b))
}
