package ipc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the content subtype the service and its clients negotiate:
// "application/cbor" for Connect, "application/grpc+cbor" for gRPC.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec encodes RPC messages as deterministic CBOR. It satisfies both
// connect.Codec and grpc's encoding.Codec.
type Codec struct{}

// Name returns the codec's registered name.
func (Codec) Name() string { return CodecName }

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data into v. An empty payload leaves v untouched.
func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}
