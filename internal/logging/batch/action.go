package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
)

// TimestampLayout is ISO-8601 with microseconds and a numeric offset.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

const opIndex = "index"

type document struct {
	Timestamp string         `json:"@timestamp"`
	Level     string         `json:"level"`
	Content   any            `json:"content"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewAction derives the document for event. The event's own location wins
// over location; with neither, the timestamp keeps the source clock's zone.
func NewAction(event logging.LogEvent, index string, location *time.Location) (logging.Action, error) {
	if event.Time.IsZero() {
		return logging.Action{}, errors.New("event has no timestamp")
	}

	ts := event.Time
	if event.Location != nil {
		ts = ts.In(event.Location)
	} else if location != nil {
		ts = ts.In(location)
	}

	content := event.Payload
	if content == nil {
		content = event.Message
	}

	doc := document{
		Timestamp: ts.Format(TimestampLayout),
		Level:     logging.LevelLabel(event.Level),
		Content:   content,
		Fields:    event.Fields,
	}
	source, err := json.Marshal(doc)
	if err != nil {
		return logging.Action{}, fmt.Errorf("failed to encode document: %w", err)
	}

	return logging.Action{
		Index:     index,
		OpType:    opIndex,
		Timestamp: doc.Timestamp,
		Level:     doc.Level,
		Content:   content,
		Fields:    event.Fields,
		Source:    source,
	}, nil
}
