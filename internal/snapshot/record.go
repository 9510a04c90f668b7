package snapshot

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record is the snapshot message published over ZeroMQ: the capture time in
// nanoseconds since the Unix epoch and the encoded JPEG bytes.
//
// Wire format is protobuf: field 1 is a varint int64, field 2 is
// length-delimited bytes.
type Record struct {
	UnixEpochNs int64
	Payload     []byte
}

const (
	fieldUnixEpochNs = 1
	fieldPayload     = 2
)

// Marshal serialises the record to protobuf wire bytes.
func (r *Record) Marshal() []byte {
	out := make([]byte, 0, len(r.Payload)+16)
	out = protowire.AppendTag(out, fieldUnixEpochNs, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(r.UnixEpochNs))
	out = protowire.AppendTag(out, fieldPayload, protowire.BytesType)
	out = protowire.AppendBytes(out, r.Payload)
	return out
}

// Unmarshal parses protobuf wire bytes into the record. Unknown fields are
// skipped so readers tolerate future additions.
func (r *Record) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("parsing snapshot record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldUnixEpochNs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("parsing unixEpochNs: %w", protowire.ParseError(n))
			}
			r.UnixEpochNs = int64(v)
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("parsing payload: %w", protowire.ParseError(n))
			}
			r.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
