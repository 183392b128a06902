package events

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE frames one event for the wire: `id: <seq>`, `event: <name>`,
// then `data: <json>` terminated by a blank line. The id line is what
// EventSource clients echo back as Last-Event-ID on reconnect.
func WriteSSE(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload)
	return err
}
