package streamjson

import (
	"encoding/json"
	"errors"
	"testing"
)

func feedAll(t *testing.T, p *Parser, chunks ...string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, chunk := range chunks {
		objs, err := p.Feed(chunk)
		if err != nil {
			t.Fatalf("Feed(%q) failed: %v", chunk, err)
		}
		out = append(out, objs...)
	}
	return out
}

func TestFeedEmitsObjectsAcrossChunkBoundaries(t *testing.T) {
	p := New("risks")

	// Object boundaries deliberately split mid-key and mid-string.
	objs := feedAll(t, p,
		`{"summary": "ok", "ri`,
		`sks": [{"id": "r1", "te`,
		`xt": "late fees"}, {"id": `,
		`"r2", "text": "auto-renew"}]}`,
	)

	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}

	var first struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(objs[0], &first); err != nil {
		t.Fatalf("first object is not valid JSON: %v", err)
	}
	if first.ID != "r1" || first.Text != "late fees" {
		t.Errorf("unexpected first object: %+v", first)
	}
}

func TestFeedEmitsEachObjectExactlyOnce(t *testing.T) {
	p := New("items")

	objs := feedAll(t, p, `{"items": [{"a": 1}, {"a": 2}, {"a": 3}]}`)
	if len(objs) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objs))
	}

	// Finalize agrees with the incremental pass, so nothing is re-emitted.
	final := p.Finalize()
	if len(final) != 3 {
		t.Fatalf("expected 3 objects after Finalize, got %d", len(final))
	}
	for i := range objs {
		if string(final[i]) != string(objs[i]) {
			t.Errorf("object %d changed across Finalize: %s vs %s", i, final[i], objs[i])
		}
	}
}

func TestFeedHandlesEscapedQuotesAndNestedStructures(t *testing.T) {
	p := New("risks")

	objs := feedAll(t, p,
		`{"risks": [{"text": "clause says \"net 30\"", "refs": [{"id": "c2"}], "meta": {"depth": 2}}]}`,
	)
	if len(objs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objs))
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(objs[0], &obj); err != nil {
		t.Fatalf("emitted object invalid: %v", err)
	}
	if obj.Text != `clause says "net 30"` {
		t.Errorf("escaped quotes mangled: %q", obj.Text)
	}
}

func TestFeedIgnoresBracesInsideStrings(t *testing.T) {
	p := New("risks")

	objs := feedAll(t, p, `{"risks": [{"text": "see {section} and ] also ["}]}`)
	if len(objs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objs))
	}
}

func TestKeyMatchRequiresColonAndBracket(t *testing.T) {
	p := New("risks")

	// "risks" first appears as a string value; only the later key position
	// opens the array.
	objs := feedAll(t, p, `{"note": "risks", "risks": [{"id": "r1"}]}`)
	if len(objs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objs))
	}
}

func TestFinalizeFullParseWins(t *testing.T) {
	var gotIncremental, gotFull int
	p := New("risks", WithReconcileFunc(func(incremental, full int) {
		gotIncremental, gotFull = incremental, full
	}))

	// Simulate an incremental miss: reset the state machine mid-array so the
	// second object is never emitted, while the buffer stays complete.
	if _, err := p.Feed(`{"risks": [{"id": "r1"}, `); err != nil {
		t.Fatal(err)
	}
	p.st = stateDone
	if _, err := p.Feed(`{"id": "r2"}]}`); err != nil {
		t.Fatal(err)
	}
	if got := len(p.Emitted()); got != 1 {
		t.Fatalf("setup expected 1 incremental object, got %d", got)
	}

	final := p.Finalize()
	if len(final) != 2 {
		t.Fatalf("expected full parse to win with 2 objects, got %d", len(final))
	}
	if gotIncremental != 1 || gotFull != 2 {
		t.Errorf("reconcile callback got (%d, %d), want (1, 2)", gotIncremental, gotFull)
	}
}

func TestFinalizeKeepsIncrementalWhenBufferTruncated(t *testing.T) {
	p := New("risks")

	// Stream cut off mid-object: the complete first object was already
	// emitted and must survive Finalize.
	objs := feedAll(t, p, `{"risks": [{"id": "r1"}, {"id": "r`)
	if len(objs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objs))
	}

	final := p.Finalize()
	if len(final) != 1 {
		t.Fatalf("expected incremental result to stand, got %d objects", len(final))
	}
}

func TestFinalizeFindsNestedTargetKey(t *testing.T) {
	p := New("risks")

	final := feedAll(t, p, `{"result": {"risks": [{"id": "r1"}]}}`)
	if len(final) != 1 {
		t.Fatalf("incremental pass expected 1 object, got %d", len(final))
	}
	if got := p.Finalize(); len(got) != 1 {
		t.Fatalf("Finalize expected 1 object, got %d", len(got))
	}
}

func TestFeedEnforcesByteCap(t *testing.T) {
	p := New("risks", WithMaxBytes(16))

	if _, err := p.Feed(`{"risks": [`); err != nil {
		t.Fatalf("within cap: %v", err)
	}
	_, err := p.Feed(`{"id": "r1"}]}`)
	if !errors.Is(err, ErrStreamTooLarge) {
		t.Fatalf("expected ErrStreamTooLarge, got %v", err)
	}
}

func TestMalformedFragmentSkippedNotFatal(t *testing.T) {
	p := New("risks")

	// NaN is not valid JSON; that fragment is dropped while the stream
	// continues.
	objs := feedAll(t, p, `{"risks": [{"v": NaN}, {"id": "r2"}]}`)
	if len(objs) != 1 {
		t.Fatalf("expected 1 valid object, got %d", len(objs))
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(objs[0], &obj); err != nil || obj.ID != "r2" {
		t.Fatalf("surviving object wrong: %s (err=%v)", objs[0], err)
	}
}
