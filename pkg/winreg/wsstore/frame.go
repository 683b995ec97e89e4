package wsstore

// Op names a frame's operation.
type Op string

const (
	OpLoad        Op = "load"
	OpPublish     Op = "publish"
	OpDelete      Op = "delete"
	OpIncr        Op = "incr"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	// OpEvent frames are pushed by the server when another participant
	// writes a subscribed key. They carry no ID.
	OpEvent Op = "event"
)

// Frame is the single JSON message shape exchanged with the hub. Requests
// carry an ID that the matching response echoes. Value is base64 in JSON and
// null for absent keys.
type Frame struct {
	ID    uint64 `json:"id,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value"`
	N     int64  `json:"n,omitempty"`
	Error string `json:"error,omitempty"`
}
