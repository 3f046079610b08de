package ipc

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoCodec encodes the wire messages in protobuf binary form, field for
// field compatible with bc.proto (package pb). Fields termium adds after the
// ones bc.proto declares are skipped by older clients.
type ProtoCodec struct{}

// Name implements connect.Codec.
func (ProtoCodec) Name() string { return "proto" }

// Marshal implements connect.Codec.
func (ProtoCodec) Marshal(v any) ([]byte, error) {
	var b []byte
	switch m := v.(type) {
	case *Empty:
	case *Message:
		b = appendString(b, 1, m.Text)
	case *ViewportSize:
		b = appendInt32(b, 1, m.Width)
		b = appendInt32(b, 2, m.Height)
	case *Coordinate:
		// bc.proto carries whole pixels.
		b = appendInt32(b, 1, roundInt32(m.X))
		b = appendInt32(b, 2, roundInt32(m.Y))
	case *Text:
		b = appendString(b, 1, m.Content)
	case *URL:
		b = appendString(b, 1, m.URL)
	case *Screenshot:
		b = appendScreenshot(b, m)
	case *ScreenshotRequest:
		b = appendInt32(b, 1, m.FPS)
		b = appendString(b, 2, m.Scope)
	case *Status:
		b = appendBool(b, 1, m.Connected)
		b = appendBool(b, 2, m.Owned)
		b = appendString(b, 3, m.ActivePageID)
		b = appendUint64(b, 4, m.Generation)
		for i := range m.Streams {
			b = protowire.AppendTag(b, 5, protowire.BytesType)
			b = protowire.AppendBytes(b, appendStreamInfo(nil, &m.Streams[i]))
		}
	default:
		return nil, fmt.Errorf("proto marshal: unsupported message %T", v)
	}
	return b, nil
}

// Unmarshal implements connect.Codec. Unknown fields are skipped.
func (ProtoCodec) Unmarshal(data []byte, v any) error {
	var err error
	switch m := v.(type) {
	case *Empty:
		err = eachField(data, func(protowire.Number, field) error { return nil })
	case *Message:
		err = eachField(data, func(num protowire.Number, f field) error {
			if num == 1 {
				m.Text = f.string()
			}
			return nil
		})
	case *ViewportSize:
		err = eachField(data, func(num protowire.Number, f field) error {
			switch num {
			case 1:
				m.Width = f.int32()
			case 2:
				m.Height = f.int32()
			}
			return nil
		})
	case *Coordinate:
		err = eachField(data, func(num protowire.Number, f field) error {
			switch num {
			case 1:
				m.X = float64(f.int32())
			case 2:
				m.Y = float64(f.int32())
			}
			return nil
		})
	case *Text:
		err = eachField(data, func(num protowire.Number, f field) error {
			if num == 1 {
				m.Content = f.string()
			}
			return nil
		})
	case *URL:
		err = eachField(data, func(num protowire.Number, f field) error {
			if num == 1 {
				m.URL = f.string()
			}
			return nil
		})
	case *Screenshot:
		err = decodeScreenshot(data, m)
	case *ScreenshotRequest:
		err = eachField(data, func(num protowire.Number, f field) error {
			switch num {
			case 1:
				m.FPS = f.int32()
			case 2:
				m.Scope = f.string()
			}
			return nil
		})
	case *Status:
		err = eachField(data, func(num protowire.Number, f field) error {
			switch num {
			case 1:
				m.Connected = f.bool()
			case 2:
				m.Owned = f.bool()
			case 3:
				m.ActivePageID = f.string()
			case 4:
				m.Generation = f.varint
			case 5:
				var info StreamInfo
				if err := decodeStreamInfo(f.bytes, &info); err != nil {
					return err
				}
				m.Streams = append(m.Streams, info)
			}
			return nil
		})
	default:
		return fmt.Errorf("proto unmarshal: unsupported message %T", v)
	}
	if err != nil {
		return fmt.Errorf("proto unmarshal %T: %w", v, err)
	}
	return nil
}

func appendScreenshot(b []byte, m *Screenshot) []byte {
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	b = appendString(b, 2, m.Format)
	b = appendUint64(b, 3, m.Sequence)
	b = appendTime(b, 4, m.Timestamp)
	b = appendInt32(b, 5, m.Width)
	b = appendInt32(b, 6, m.Height)
	b = appendString(b, 7, m.PageID)
	return b
}

func decodeScreenshot(data []byte, m *Screenshot) error {
	return eachField(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Data = append([]byte(nil), f.bytes...)
		case 2:
			m.Format = f.string()
		case 3:
			m.Sequence = f.varint
		case 4:
			m.Timestamp = f.time()
		case 5:
			m.Width = f.int32()
		case 6:
			m.Height = f.int32()
		case 7:
			m.PageID = f.string()
		}
		return nil
	})
}

func appendStreamInfo(b []byte, s *StreamInfo) []byte {
	b = appendString(b, 1, s.ID)
	b = appendInt32(b, 2, s.FPS)
	b = appendString(b, 3, s.Scope)
	b = appendString(b, 4, s.State)
	b = appendTime(b, 5, s.StartedAt)
	b = appendUint64(b, 6, s.Captured)
	b = appendUint64(b, 7, s.Sent)
	b = appendUint64(b, 8, s.Dropped)
	return b
}

func decodeStreamInfo(data []byte, s *StreamInfo) error {
	return eachField(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			s.ID = f.string()
		case 2:
			s.FPS = f.int32()
		case 3:
			s.Scope = f.string()
		case 4:
			s.State = f.string()
		case 5:
			s.StartedAt = f.time()
		case 6:
			s.Captured = f.varint
		case 7:
			s.Sent = f.varint
		case 8:
			s.Dropped = f.varint
		}
		return nil
	})
}

// Zero values are omitted, as proto3 does for scalar fields.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// appendTime writes t as unix nanoseconds (int64).
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

func roundInt32(f float64) int32 {
	switch {
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(math.Round(f))
}

type field struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) int32() int32 { return int32(f.varint) }

func (f field) bool() bool { return protowire.DecodeBool(f.varint) }

func (f field) string() string { return string(f.bytes) }

func (f field) time() time.Time {
	if f.varint == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(f.varint)).UTC()
}

// eachField walks the varint and length-delimited fields of a message and
// skips every other wire type.
func eachField(b []byte, visit func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, f); err != nil {
			return err
		}
	}
	return nil
}
