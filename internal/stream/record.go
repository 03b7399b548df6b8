package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/user/burrow/internal/types"
)

// RecordWriter writes events as newline-delimited JSON.
type RecordWriter struct {
	enc *json.Encoder
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{enc: json.NewEncoder(w)}
}

func (w *RecordWriter) Write(ev *types.Event) error {
	return w.enc.Encode(ev)
}

// ReadRecords decodes newline-delimited events from r and calls fn for each
// one. Unlike the live stream, a replay response is a single document, so a
// bad record fails the whole read.
func ReadRecords(r io.Reader, fn func(*types.Event) error) error {
	dec := json.NewDecoder(bufio.NewReader(r))
	for n := 1; ; n++ {
		var ev types.Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode record %d: %w", n, err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
}
