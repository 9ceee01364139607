package socket

import (
	"encoding/json"
	"errors"

	"github.com/pizzapi/relay/internal/wire"
)

// errNoLocalRunner is returned when a command's target runner socket
// isn't attached to this node. errNoLocalProducer is its producer-side
// counterpart; no code path returns it.
var (
	errNoLocalRunner   = errors.New("socket: runner not attached to this node")
	errNoLocalProducer = errors.New("socket: producer not attached to this node")
	errDuplicateProducer = errors.New("socket: session already has an active producer")
)

// unmarshalData decodes a Message's Data field into v.
func unmarshalData(msg wire.Message, v any) error {
	if len(msg.Data) == 0 {
		return errors.New("socket: empty message data")
	}
	return json.Unmarshal(msg.Data, v)
}
