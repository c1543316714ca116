package signal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantDir types.Side
		wantOK  bool
	}{
		{"long", `{"direction":"long","confidence":0.8,"ref_price":101.5}`, types.SideLong, true},
		{"classifier vocabulary", `{"direction":"BUY","confidence":0.71}`, types.SideLong, true},
		{"sell maps to short", `{"direction":"SELL","confidence":0.65}`, types.SideShort, true},
		{"hold maps to flat", `{"direction":"HOLD","confidence":0.2}`, types.SideFlat, true},
		{"price alias", `{"direction":"short","confidence":0.9,"price":55.25}`, types.SideShort, true},
		{"missing confidence", `{"direction":"long"}`, "", false},
		{"confidence out of range", `{"direction":"long","confidence":1.2}`, "", false},
		{"unknown direction", `{"direction":"sideways","confidence":0.5}`, "", false},
		{"not json", `direction=long`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Parse([]byte(tc.payload))
			if !tc.wantOK {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantDir, sig.Direction)
		})
	}
}

func TestParse_Timestamp(t *testing.T) {
	sig, err := Parse([]byte(`{"direction":"long","confidence":0.8,"timestamp":"2025-06-02T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), sig.Timestamp)

	sig, err = Parse([]byte(`{"direction":"long","confidence":0.8,"timestamp":1748865600}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1748865600), sig.Timestamp.Unix())
}

func TestHolder(t *testing.T) {
	h := NewHolder()
	_, ok := h.Latest()
	assert.False(t, ok)

	h.Push(types.Signal{Direction: types.SideLong, Confidence: 0.7})
	h.Push(types.Signal{Direction: types.SideShort, Confidence: 0.9})

	sig, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, types.SideShort, sig.Direction)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"direction":"long","confidence":0.82}`), 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx))

	sig, ok := src.Latest()
	require.True(t, ok)
	assert.Equal(t, types.SideLong, sig.Direction)
	assert.InDelta(t, 0.82, sig.Confidence, 1e-9)

	// A rewrite replaces the held signal.
	require.NoError(t, os.WriteFile(path, []byte(`{"direction":"short","confidence":0.9}`), 0o644))
	assert.Eventually(t, func() bool {
		sig, ok := src.Latest()
		return ok && sig.Direction == types.SideShort
	}, 2*time.Second, 20*time.Millisecond)

	// A malformed rewrite keeps the previous signal.
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
	time.Sleep(100 * time.Millisecond)
	sig, ok = src.Latest()
	require.True(t, ok)
	assert.Equal(t, types.SideShort, sig.Direction)
}
