package envelope

import (
	"bytes"
	"fmt"

	"github.com/drpcorg/statebridge/protocol"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire form: one TLV record per envelope, typed by the variant letter,
// holding an 'H' record (msgpack header) and a 'B' record (msgpack body).

type header struct {
	Epoch uint64 `msgpack:"e,omitempty"`
	ID    uint64 `msgpack:"i,omitempty"`
}

type kind struct {
	name  string
	empty func() Body
}

var kinds = map[byte]kind{
	'F': {"FetchState", func() Body { return &FetchState{} }},
	'S': {"StateSnapshot", func() Body { return &StateSnapshot{} }},
	'P': {"PatchState", func() Body { return &PatchState{} }},
	'A': {"DispatchAction", func() Body { return &DispatchAction{} }},
	'R': {"DispatchReply", func() Body { return &DispatchReply{} }},
	'D': {"FeedsDetected", func() Body { return &FeedsDetected{} }},
	'L': {"LogMessage", func() Body { return &LogMessage{} }},
	'T': {"StartFeedDetection", func() Body { return &StartFeedDetection{} }},
}

// Encode renders the envelope as one TLV record. From is not encoded: the
// receiving transport knows who sent it.
func Encode(env *Envelope) ([]byte, error) {
	if env.Body == nil {
		return nil, ErrUnknownEnvelope
	}
	hdr, err := msgpack.Marshal(header{Epoch: env.Epoch, ID: env.ID})
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(env.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Kind(), err)
	}
	return protocol.Record(env.Body.lit(),
		protocol.Record('H', hdr),
		protocol.Record('B', body),
	), nil
}

// Decode parses one record produced by Encode. Generic values (action
// payloads, state values) come back as msgpack's loose types: int64,
// uint64, float64, string, []any, map[string]any.
func Decode(rec []byte) (*Envelope, error) {
	lit, payload, rest, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	k, ok := kinds[lit]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, lit)
	}
	hdrbody, payload, err := protocol.TakeWary('H', payload)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	bodybody, _, err := protocol.TakeWary('B', payload)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrMalformed, err)
	}

	var hdr header
	if err := unmarshal(hdrbody, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	body := k.empty()
	if err := unmarshal(bodybody, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, k.name, err)
	}
	return &Envelope{
		Epoch: hdr.Epoch,
		ID:    hdr.ID,
		Body:  deref(body),
	}, nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// deref turns the decode target back into the value variant Visit expects.
func deref(b Body) Body {
	switch v := b.(type) {
	case *FetchState:
		return *v
	case *StateSnapshot:
		return *v
	case *PatchState:
		return *v
	case *DispatchAction:
		return *v
	case *DispatchReply:
		return *v
	case *FeedsDetected:
		return *v
	case *LogMessage:
		return *v
	case *StartFeedDetection:
		return *v
	}
	return b
}
