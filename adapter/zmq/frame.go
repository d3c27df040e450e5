package zmq

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// frame is the msgpack record carried in each ZeroMQ message.
type frame struct {
	ID         string `msgpack:"id"`
	Body       string `msgpack:"body"`
	SentAt     int64  `msgpack:"sent_at"`
	Deliveries int    `msgpack:"deliveries,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	return msgpack.Marshal(&f)
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("zmq: decode frame: %w", err)
	}
	if f.ID == "" {
		return frame{}, fmt.Errorf("zmq: decode frame: missing id")
	}
	return f, nil
}
