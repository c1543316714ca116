// Package signal ingests the externally produced trading signal. The model
// itself is out of scope; this package only parses, validates and holds the
// most recent signal for the engine to poll.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"talon/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Source hands out the most recent signal without blocking. ok is false
// until the first signal arrives.
type Source interface {
	Latest() (sig types.Signal, ok bool)
}

// payloadSchema rejects malformed producer output before any field is read.
// Everything beyond the required pair is tolerated so the producer can
// evolve its payload.
const payloadSchema = `{
	"type": "object",
	"required": ["direction", "confidence"],
	"properties": {
		"direction": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"timestamp": {"type": ["string", "number"]},
		"ref_price": {"type": "number", "minimum": 0},
		"price": {"type": "number", "minimum": 0}
	}
}`

var schema = jsonschema.MustCompileString("signal.json", payloadSchema)

// Parse decodes and validates a producer payload. Directions are accepted in
// either vocabulary: long/short/flat or the classifier's BUY/SELL/HOLD.
func Parse(data []byte) (types.Signal, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Signal{}, fmt.Errorf("signal payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return types.Signal{}, fmt.Errorf("signal payload rejected by schema: %w", err)
	}

	root := gjson.ParseBytes(data)
	dir, err := parseDirection(root.Get("direction").String())
	if err != nil {
		return types.Signal{}, err
	}

	sig := types.Signal{
		Direction:  dir,
		Confidence: root.Get("confidence").Float(),
		Timestamp:  parseTimestamp(root.Get("timestamp")),
	}
	if v := root.Get("ref_price"); v.Exists() {
		sig.RefPrice = v.Float()
	} else if v := root.Get("price"); v.Exists() {
		sig.RefPrice = v.Float()
	}
	return sig, nil
}

func parseDirection(raw string) (types.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return types.SideLong, nil
	case "short", "sell":
		return types.SideShort, nil
	case "flat", "hold", "none":
		return types.SideFlat, nil
	default:
		return "", fmt.Errorf("unknown signal direction %q", raw)
	}
}

func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return t
		}
	case gjson.Number:
		n := v.Int()
		if n > 1e12 { // milliseconds
			return time.UnixMilli(n).UTC()
		}
		if n > 0 {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Now().UTC()
}

// Holder is a Source fed by push (the HTTP webhook route). It keeps only the
// newest signal.
type Holder struct {
	mu  sync.RWMutex
	sig types.Signal
	set bool
}

func NewHolder() *Holder { return &Holder{} }

func (h *Holder) Push(sig types.Signal) {
	h.mu.Lock()
	h.sig = sig
	h.set = true
	h.mu.Unlock()
}

func (h *Holder) Latest() (types.Signal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sig, h.set
}
