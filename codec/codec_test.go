package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string
	Count int
	Tags  []string
}

func TestByName(t *testing.T) {
	for _, name := range []string{"cbor", "json", "cbor+zstd"} {
		c, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}

	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	_, err = ByName("gob")
	require.ErrorContains(t, err, `unknown codec "gob"`)
}

func TestCodecsPreserveStructs(t *testing.T) {
	in := payload{Name: "x", Count: 3, Tags: []string{"a", "b"}}
	for _, c := range []Codec{CBOR{}, JSON{}, NewZstd(CBOR{})} {
		t.Run(c.Name(), func(t *testing.T) {
			b, err := c.Marshal(in)
			require.NoError(t, err)
			var out payload
			require.NoError(t, c.Unmarshal(b, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestCBORDecodesMapsAsStringKeyed(t *testing.T) {
	b, err := CBOR{}.Marshal(map[string]any{"a": map[string]any{"b": 1}})
	require.NoError(t, err)

	var out any
	require.NoError(t, CBOR{}.Unmarshal(b, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	_, ok = m["a"].(map[string]any)
	assert.True(t, ok)
}

func TestZstdCompresses(t *testing.T) {
	big := bytes.Repeat([]byte("worker output "), 1000)
	z := NewZstd(CBOR{})
	plain, err := CBOR{}.Marshal(big)
	require.NoError(t, err)
	packed, err := z.Marshal(big)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))

	err = z.Unmarshal([]byte("not zstd"), new([]byte))
	require.ErrorContains(t, err, "decompressing")
}
