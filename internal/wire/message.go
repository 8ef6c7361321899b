package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"psss-processing-go/internal/types"
)

type Encoding string

const (
	EncodingCBOR    Encoding = "cbor"
	EncodingMsgpack Encoding = "msgpack"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingCBOR, "":
		return EncodingCBOR, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}

const (
	typeImage = "image"
	typeData  = "data"
)

// ErrNotImage marks stream messages of another type; they are skipped.
var ErrNotImage = errors.New("wire: not an image message")

type frameEnvelope struct {
	Type    string                     `cbor:"type"`
	PulseID uint64                     `cbor:"pulse_id"`
	Seconds int64                      `cbor:"global_timestamp"`
	Offset  int64                      `cbor:"global_timestamp_offset"`
	Data    map[string]cbor.RawMessage `cbor:"data"`
}

type frameOut struct {
	Type    string              `cbor:"type"`
	PulseID uint64              `cbor:"pulse_id"`
	Seconds int64               `cbor:"global_timestamp"`
	Offset  int64               `cbor:"global_timestamp_offset"`
	Data    map[string]cbor.Tag `cbor:"data"`
}

// DecodeFrame decodes one input stream message:
//
//	{"type": "image", "pulse_id": n, "global_timestamp": s, "global_timestamp_offset": ns,
//	 "data": {"<channel>": tag 40 array, ...}}
func DecodeFrame(payload []byte) (types.Frame, error) {
	var env frameEnvelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return types.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type != typeImage {
		return types.Frame{}, fmt.Errorf("%w: %q", ErrNotImage, env.Type)
	}

	frame := types.Frame{
		PulseID:   env.PulseID,
		Timestamp: types.Timestamp{Seconds: env.Seconds, Offset: env.Offset},
		Channels:  make(map[string]types.Image, len(env.Data)),
	}
	for name, raw := range env.Data {
		var value any
		if err := cbor.Unmarshal(raw, &value); err != nil {
			return types.Frame{}, fmt.Errorf("decode channel %q: %w", name, err)
		}
		img, err := DecodeImage(value)
		if err != nil {
			return types.Frame{}, fmt.Errorf("decode channel %q: %w", name, err)
		}
		frame.Channels[name] = img
	}
	return frame, nil
}

func EncodeFrame(frame types.Frame) ([]byte, error) {
	out := frameOut{
		Type:    typeImage,
		PulseID: frame.PulseID,
		Seconds: frame.Timestamp.Seconds,
		Offset:  frame.Timestamp.Offset,
		Data:    make(map[string]cbor.Tag, len(frame.Channels)),
	}
	for name, img := range frame.Channels {
		out.Data[name] = EncodeImage(img)
	}
	return cbor.Marshal(out)
}

type messageOut struct {
	Type    string         `cbor:"type" msgpack:"type"`
	PulseID uint64         `cbor:"pulse_id" msgpack:"pulse_id"`
	Seconds int64          `cbor:"global_timestamp" msgpack:"global_timestamp"`
	Offset  int64          `cbor:"global_timestamp_offset" msgpack:"global_timestamp_offset"`
	Data    map[string]any `cbor:"data" msgpack:"data"`
}

type messageIn struct {
	Type    string                     `cbor:"type"`
	PulseID uint64                     `cbor:"pulse_id"`
	Seconds int64                      `cbor:"global_timestamp"`
	Offset  int64                      `cbor:"global_timestamp_offset"`
	Data    map[string]cbor.RawMessage `cbor:"data"`
}

// EncodeMessage serializes a result. With CBOR, spectra and float axes are
// sent as typed arrays; msgpack sends plain arrays.
func EncodeMessage(enc Encoding, msg types.Message) ([]byte, error) {
	out := messageOut{
		Type:    typeData,
		PulseID: msg.PulseID,
		Seconds: msg.Timestamp.Seconds,
		Offset:  msg.Timestamp.Offset,
		Data:    msg.Data,
	}
	switch enc {
	case EncodingMsgpack:
		return msgpack.Marshal(out)
	case EncodingCBOR, "":
		data := make(map[string]any, len(msg.Data))
		for k, v := range msg.Data {
			switch arr := v.(type) {
			case types.Spectrum:
				data[k] = EncodeUint32s(arr)
			case []uint32:
				data[k] = EncodeUint32s(arr)
			case []float64:
				data[k] = EncodeFloat64s(arr)
			default:
				data[k] = v
			}
		}
		out.Data = data
		return cbor.Marshal(out)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// DecodeMessage reads a result back. Typed arrays become []uint32 and
// []float64.
func DecodeMessage(enc Encoding, payload []byte) (types.Message, error) {
	switch enc {
	case EncodingMsgpack:
		var in messageOut
		if err := msgpack.Unmarshal(payload, &in); err != nil {
			return types.Message{}, fmt.Errorf("decode message: %w", err)
		}
		return types.Message{
			PulseID:   in.PulseID,
			Timestamp: types.Timestamp{Seconds: in.Seconds, Offset: in.Offset},
			Data:      in.Data,
		}, nil
	case EncodingCBOR, "":
		var in messageIn
		if err := cbor.Unmarshal(payload, &in); err != nil {
			return types.Message{}, fmt.Errorf("decode message: %w", err)
		}
		msg := types.Message{
			PulseID:   in.PulseID,
			Timestamp: types.Timestamp{Seconds: in.Seconds, Offset: in.Offset},
			Data:      make(map[string]any, len(in.Data)),
		}
		for name, raw := range in.Data {
			var value any
			if err := cbor.Unmarshal(raw, &value); err != nil {
				return types.Message{}, fmt.Errorf("decode field %q: %w", name, err)
			}
			if tag, ok := value.(cbor.Tag); ok {
				arr, err := decodeTypedArray(tag)
				if err != nil {
					return types.Message{}, fmt.Errorf("decode field %q: %w", name, err)
				}
				value = arr
			}
			msg.Data[name] = value
		}
		return msg, nil
	default:
		return types.Message{}, fmt.Errorf("unknown encoding %q", enc)
	}
}
