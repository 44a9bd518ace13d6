package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKeyer_OrderIndependent(t *testing.T) {
	keyer := NewDefaultKeyer()

	a := Params{}
	a["exchange"] = "X"
	a["symbol"] = "BTC/USDT"
	a["window"] = map[string]any{"from": 1, "to": 2}

	b := Params{
		"window":   map[string]any{"to": 2, "from": 1},
		"symbol":   "BTC/USDT",
		"exchange": "X",
	}

	keyA, err := keyer.Key(CategoryRecentSnapshot, a)
	require.NoError(t, err)
	keyB, err := keyer.Key(CategoryRecentSnapshot, b)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestDefaultKeyer_FixedLengthAndValid(t *testing.T) {
	keyer := NewDefaultKeyer()

	for _, params := range []Params{nil, {}, {"a": 1}, {"long": string(make([]byte, 4096))}} {
		key, err := keyer.Key("derived-analytics", params)
		require.NoError(t, err)
		assert.Len(t, key, 64)
		assert.NoError(t, ValidateKey(key))
	}
}

func TestDefaultKeyer_Distinguishes(t *testing.T) {
	keyer := NewDefaultKeyer()
	base, err := keyer.Key("cat", Params{"a": 1, "b": "x"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		category string
		params   Params
	}{
		{"category", "other", Params{"a": 1, "b": "x"}},
		{"value", "cat", Params{"a": 2, "b": "x"}},
		{"extra param", "cat", Params{"a": 1, "b": "x", "c": true}},
		{"type", "cat", Params{"a": "1", "b": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := keyer.Key(tt.category, tt.params)
			require.NoError(t, err)
			assert.NotEqual(t, base, key)
		})
	}
}

func TestDefaultKeyer_NilAndEmptyParamsMatch(t *testing.T) {
	keyer := NewDefaultKeyer()

	k1, err := keyer.Key("cat", nil)
	require.NoError(t, err)
	k2, err := keyer.Key("cat", Params{})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestDefaultKeyer_DatasetsKeyedByShape(t *testing.T) {
	keyer := NewDefaultKeyer()
	cols := []string{"ts", "open", "close"}

	key := func(d Dataset) string {
		k, err := keyer.Key(CategoryRecentSnapshot, Params{"frame": d, "symbol": "ETH"})
		require.NoError(t, err)
		return k
	}

	small := Dataset{Columns: cols, Rows: [][]any{{1, 10.0, 11.0}, {2, 11.0, 12.5}}}
	sameShape := Dataset{Columns: cols, Rows: [][]any{{9, 99.0, 98.0}, {8, 1.0, 2.0}}}
	moreRows := Dataset{Columns: cols, Rows: [][]any{{1, 10.0, 11.0}, {2, 11.0, 12.5}, {3, 12.5, 13.0}}}
	renamed := Dataset{Columns: []string{"ts", "high", "low"}, Rows: small.Rows}

	assert.Equal(t, key(small), key(sameShape), "cell contents must not affect the key")
	assert.NotEqual(t, key(small), key(moreRows))
	assert.NotEqual(t, key(small), key(renamed))
}

func TestDefaultKeyer_NilPointersKeyAsNull(t *testing.T) {
	keyer := NewDefaultKeyer()

	want, err := keyer.Key(CategoryRecentSnapshot, Params{"frame": nil})
	require.NoError(t, err)

	for name, v := range map[string]any{
		"dataset":       (*Dataset)(nil),
		"fingerprinter": Fingerprinter((*Dataset)(nil)),
		"shaper":        (*matrix)(nil),
		"slice pointer": (*[]Dataset)(nil),
	} {
		t.Run(name, func(t *testing.T) {
			var key string
			require.NotPanics(t, func() {
				key, err = keyer.Key(CategoryRecentSnapshot, Params{"frame": v})
			})
			require.NoError(t, err)
			assert.Equal(t, want, key)
			assert.Nil(t, summarizeParams(Params{"frame": v})["frame"])
		})
	}
}

func TestDefaultKeyer_TypedCollectionsSummarized(t *testing.T) {
	keyer := NewDefaultKeyer()
	cols := []string{"ts", "close"}
	a := Dataset{Columns: cols, Rows: [][]any{{1, 10.0}}}
	b := Dataset{Columns: cols, Rows: [][]any{{7, 99.5}}}
	wide := Dataset{Columns: []string{"ts", "close", "volume"}, Rows: [][]any{{1, 10.0, 3}}}

	key := func(v any) string {
		k, err := keyer.Key(CategoryDerivedAnalytics, Params{"inputs": v})
		require.NoError(t, err)
		return k
	}

	assert.Equal(t, key([]Dataset{a, a}), key([]Dataset{b, b}))
	assert.Equal(t, key([]Dataset{a}), key([]any{b}))
	assert.Equal(t, key([1]Dataset{a}), key([]any{b}))
	assert.Equal(t, key(&[]Dataset{a}), key([]any{b}))
	assert.NotEqual(t, key([]Dataset{a}), key([]Dataset{wide}))

	assert.Equal(t, key(map[string]Dataset{"btc": a}), key(map[string]Dataset{"btc": b}))
	assert.Equal(t, key(map[string]Dataset{"btc": a}), key(map[string]any{"btc": b}))
	assert.NotEqual(t, key(map[string]Dataset{"btc": a}), key(map[string]Dataset{"eth": a}))

	assert.Equal(t, key([]int{1, 2}), key([]any{1, 2}))
	assert.NotEqual(t, key([]byte("ab")), key([]any{97, 98}))

	got := summarizeParams(Params{
		"list": []Dataset{a},
		"byID": map[string]*Dataset{"x": &b, "y": nil},
	})
	assert.Equal(t, []any{"dataset:1x2:ts,close"}, got["list"])
	assert.Equal(t, map[string]any{"x": "dataset:1x2:ts,close", "y": nil}, got["byID"])
}

type matrix struct{ rows, cols int }

func (m matrix) Shape() (int, int) { return m.rows, m.cols }

func TestDefaultKeyer_ShaperSummary(t *testing.T) {
	keyer := NewDefaultKeyer()

	k1, err := keyer.Key("cat", Params{"m": matrix{3, 4}})
	require.NoError(t, err)
	k2, err := keyer.Key("cat", Params{"m": "dataset:3x4"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestDefaultKeyer_UnencodableValue(t *testing.T) {
	_, err := NewDefaultKeyer().Key("cat", Params{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestSummarizeParams(t *testing.T) {
	d := Dataset{Columns: []string{"a", "b"}, Rows: [][]any{{1, 2}}}

	got := summarizeParams(Params{
		"frame":  d,
		"symbol": "BTC",
		"nested": map[string]any{"inner": matrix{2, 2}},
		"list":   []any{d, 7},
	})

	assert.Equal(t, "dataset:1x2:a,b", got["frame"])
	assert.Equal(t, "BTC", got["symbol"])
	assert.Equal(t, map[string]any{"inner": "dataset:2x2"}, got["nested"])
	assert.Equal(t, []any{"dataset:1x2:a,b", 7}, got["list"])
	assert.Nil(t, summarizeParams(nil))
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"hex", "3f2a9c", nil},
		{"dotted", "snap.v1_btc-usdt", nil},
		{"empty", "", ErrInvalidKey},
		{"whitespace", "   ", ErrInvalidKey},
		{"dot", ".", ErrInvalidKey},
		{"parent", "..", ErrInvalidKey},
		{"slash", "a/b", ErrInvalidKey},
		{"newline", "a\nb", ErrInvalidKey},
		{"too long", string(make([]byte, MaxKeyLength+1)), ErrKeyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}
