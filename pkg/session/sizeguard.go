package session

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxStateBytes caps the persisted graph state payload.
const MaxStateBytes = 5 << 20

// Envelope markers for compressed payloads. Plain payloads are stored as
// raw JSON; compressed ones as {"encoding":"gzip","data":"<base64>"}.
type compressedEnvelope struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// reproducibleFields are the graph-state members the guard may drop: they
// are caches the graph can rebuild (tool outputs, full transcripts), as
// opposed to the index, findings, and pending diffs it cannot.
var reproducibleFields = []string{"skill_context", "transcript", "tool_outputs"}

// EncodeState prepares a graph state for persistence, enforcing the size
// cap: oversize payloads are gzip-compressed; still-oversize payloads are
// stripped of reproducible fields before compressing again. A payload
// that cannot be brought under the cap is an error.
func EncodeState(state any) (json.RawMessage, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal graph state: %w", err)
	}
	if len(raw) <= MaxStateBytes {
		return raw, nil
	}

	compressed, err := compress(raw)
	if err != nil {
		return nil, err
	}
	if len(compressed) <= MaxStateBytes {
		slog.Info("Graph state compressed for persistence",
			"raw_bytes", len(raw), "compressed_bytes", len(compressed))
		return compressed, nil
	}

	stripped, err := stripReproducible(raw)
	if err != nil {
		return nil, err
	}
	slog.Warn("Graph state stripped of reproducible fields for persistence",
		"raw_bytes", len(raw), "stripped_bytes", len(stripped))
	if len(stripped) <= MaxStateBytes {
		return stripped, nil
	}
	compressed, err = compress(stripped)
	if err != nil {
		return nil, err
	}
	if len(compressed) > MaxStateBytes {
		return nil, fmt.Errorf("graph state exceeds %d bytes even after compression and stripping", MaxStateBytes)
	}
	return compressed, nil
}

// DecodeState unwraps a persisted payload into raw graph-state JSON,
// transparently decompressing envelopes.
func DecodeState(payload json.RawMessage) (json.RawMessage, error) {
	var env compressedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Encoding != "gzip" {
		return payload, nil
	}

	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode graph state envelope: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress graph state: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress graph state: %w", err)
	}
	return raw, nil
}

func compress(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return json.Marshal(compressedEnvelope{
		Encoding: "gzip",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// stripReproducible removes reproducible fields at every nesting level.
func stripReproducible(raw []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("strip graph state: %w", err)
	}
	stripValue(doc)
	return json.Marshal(doc)
}

func stripValue(v any) {
	switch vv := v.(type) {
	case map[string]any:
		for _, field := range reproducibleFields {
			delete(vv, field)
		}
		for _, child := range vv {
			stripValue(child)
		}
	case []any:
		for _, child := range vv {
			stripValue(child)
		}
	}
}
