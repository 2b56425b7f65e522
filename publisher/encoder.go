package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/marmot-restore/encoding"
)

func init() {
	RegisterEncoder("", func() Encoder { return JSONEncoder{} })
	RegisterEncoder("json", func() Encoder { return JSONEncoder{} })
	RegisterEncoder("msgpack", func() Encoder { return MsgpackEncoder{} })
}

// JSONEncoder encodes events as JSON objects
type JSONEncoder struct{}

func (JSONEncoder) Encode(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %d: %w", event.SeqNum, err)
	}
	return data, nil
}

// MsgpackEncoder encodes events the way the event log stores them
type MsgpackEncoder struct{}

func (MsgpackEncoder) Encode(event Event) ([]byte, error) {
	return encoding.Marshal(&event)
}
