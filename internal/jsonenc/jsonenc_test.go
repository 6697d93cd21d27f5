package jsonenc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	in := map[string]any{"zebra": 1, "apple": 2, "middle": map[string]any{"z": 1, "a": 2}}

	out, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, `{"apple":2,"middle":{"a":2,"z":1},"zebra":1}`+"\n", string(out))
}

func TestMarshalDeterministicAcrossCalls(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": 3}

	first, err := Marshal(in)
	require.NoError(t, err)
	second, err := Marshal(in)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestMarshalStructFieldOrderIgnored(t *testing.T) {
	type payload struct {
		Zebra string `json:"zebra"`
		Apple string `json:"apple"`
	}

	out, err := Marshal(payload{Zebra: "z", Apple: "a"})
	require.NoError(t, err)
	require.Equal(t, `{"apple":"a","zebra":"z"}`+"\n", string(out))
}
