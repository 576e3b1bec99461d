package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
)

// Save writes s to w as newline-delimited protojson-encoded events (one
// structpb.Struct per line, via Event.ToStruct), so a captured session
// can be handed to `isorun replay` without this package owning a
// hand-rolled wire format.
func Save(w io.Writer, s *Session) error {
	bw := bufio.NewWriter(w)
	for _, e := range s.Events() {
		st, err := e.ToStruct()
		if err != nil {
			return fmt.Errorf("trace: render event to struct: %w", err)
		}
		line, err := protojson.Marshal(st)
		if err != nil {
			return fmt.Errorf("trace: marshal event: %w", err)
		}
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("trace: write event: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("trace: write newline: %w", err)
		}
	}
	return bw.Flush()
}

// Load reads a dump written by Save back into a Session. The loaded
// Session's ID is freshly generated, since the session identity is a
// recording-time concept, not something replayed from the wire format.
func Load(r io.Reader) (*Session, error) {
	s := NewSession()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := decodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("trace: decode event: %w", err)
		}
		s.Record(e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("trace: scan dump: %w", err)
	}
	return s, nil
}

func decodeLine(line []byte) (*Event, error) {
	var raw struct {
		PC        float64  `json:"pc"`
		Tags      []string `json:"tags"`
		Name      string   `json:"name"`
		Detail    string   `json:"detail"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		ts = time.Time{}
	}

	tags := make(Tags, 0, len(raw.Tags))
	for _, t := range raw.Tags {
		tags = append(tags, Tag(trimTagPrefix(t)))
	}

	return &Event{
		PC:          uint64(raw.PC),
		Tags:        tags,
		Name:        raw.Name,
		Detail:      raw.Detail,
		Annotations: make(Annotations),
		Timestamp:   ts,
	}, nil
}

func trimTagPrefix(s string) string {
	if len(s) > 0 && s[0] == '#' {
		return s[1:]
	}
	return s
}
