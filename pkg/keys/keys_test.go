package keys_test

import (
	"testing"

	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageFilter struct {
	Site  int  `json:"site"`
	Draft bool `json:"draft"`
}

func TestHash(t *testing.T) {
	t.Run("map insertion order does not matter", func(t *testing.T) {
		a := map[string]any{}
		a["b"] = 2
		a["a"] = 1
		b := map[string]any{"a": 1, "b": 2}

		ha, err := keys.Hash(keys.Key{"pages", a})
		require.NoError(t, err)
		hb, err := keys.Hash(keys.Key{"pages", b})
		require.NoError(t, err)

		assert.Equal(t, ha, hb)
		assert.Equal(t, `["pages",{"a":1,"b":2}]`, ha)
	})

	t.Run("structs and maps with the same shape hash identically", func(t *testing.T) {
		hs, err := keys.Hash(keys.Key{"pages", pageFilter{Site: 7, Draft: true}})
		require.NoError(t, err)
		hm, err := keys.Hash(keys.Key{"pages", map[string]any{"site": 7, "draft": true}})
		require.NoError(t, err)
		// encoding/json sorts map keys but keeps struct field order.
		assert.Equal(t, `["pages",{"site":7,"draft":true}]`, hs)
		assert.Equal(t, `["pages",{"draft":true,"site":7}]`, hm)
	})

	t.Run("order of key elements matters", func(t *testing.T) {
		h1, _ := keys.Hash(keys.Key{"a", "b"})
		h2, _ := keys.Hash(keys.Key{"b", "a"})
		assert.NotEqual(t, h1, h2)
	})

	t.Run("unserialisable keys fail", func(t *testing.T) {
		_, err := keys.Hash(keys.Key{make(chan int)})
		assert.Error(t, err)
	})

	t.Run("nil key hashes as empty", func(t *testing.T) {
		h, err := keys.Hash(nil)
		require.NoError(t, err)
		assert.Equal(t, "[]", h)
	})
}

func TestPartialMatch(t *testing.T) {
	key := keys.Key{"pages", map[string]any{"site": 7, "draft": true}, 3}

	cases := []struct {
		name   string
		filter keys.Key
		want   bool
	}{
		{"empty filter matches everything", keys.Key{}, true},
		{"prefix", keys.Key{"pages"}, true},
		{"partial map", keys.Key{"pages", map[string]any{"site": 7}}, true},
		{"struct filter against map key", keys.Key{"pages", pageFilter{Site: 7, Draft: true}}, true},
		{"full key", key, true},
		{"different map value", keys.Key{"pages", map[string]any{"site": 8}}, false},
		{"different head", keys.Key{"sites"}, false},
		{"longer than key", append(append(keys.Key{}, key...), "extra"), false},
		{"numbers compare by their JSON form", keys.Key{"pages", map[string]any{"site": int64(7)}, 3.0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, keys.PartialMatch(key, tc.filter))
		})
	}
}

func TestExactMatch(t *testing.T) {
	assert.True(t, keys.ExactMatch(keys.Key{"a", 1}, keys.Key{"a", 1}))
	assert.False(t, keys.ExactMatch(keys.Key{"a", 1}, keys.Key{"a"}))
}

func TestDecode(t *testing.T) {
	h, err := keys.Hash(keys.Key{"pages", 7})
	require.NoError(t, err)

	k, err := keys.Decode(h)
	require.NoError(t, err)

	again, err := keys.Hash(k)
	require.NoError(t, err)
	assert.Equal(t, h, again)
}
