package tts

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Message types of the kyutai streaming protocol.
const (
	kyutaiTypeText  = "Text"
	kyutaiTypeEos   = "Eos"
	kyutaiTypeAudio = "Audio"
	kyutaiTypeReady = "Ready"
	kyutaiTypeError = "Error"
)

type kyutaiMessage struct {
	Type    string
	Text    string
	Message string
	PCM     []float32
}

func appendKyutaiText(b []byte, text string) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "type")
	b = msgp.AppendString(b, kyutaiTypeText)
	b = msgp.AppendString(b, "text")
	return msgp.AppendString(b, text)
}

func appendKyutaiEos(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 1)
	b = msgp.AppendString(b, "type")
	return msgp.AppendString(b, kyutaiTypeEos)
}

func decodeKyutaiMessage(b []byte) (msg kyutaiMessage, err error) {
	var fields uint32
	if fields, b, err = msgp.ReadMapHeaderBytes(b); err != nil {
		return msg, fmt.Errorf("read message header: %w", err)
	}
	for i := uint32(0); i < fields; i++ {
		var key []byte
		if key, b, err = msgp.ReadMapKeyZC(b); err != nil {
			return msg, fmt.Errorf("read message key: %w", err)
		}
		switch string(key) {
		case "type":
			msg.Type, b, err = msgp.ReadStringBytes(b)
		case "text":
			msg.Text, b, err = msgp.ReadStringBytes(b)
		case "message":
			msg.Message, b, err = msgp.ReadStringBytes(b)
		case "pcm":
			msg.PCM, b, err = readFloatArray(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return msg, fmt.Errorf("read field %q: %w", key, err)
		}
	}
	return msg, nil
}

// readFloatArray accepts both float32 and float64 encodings.
func readFloatArray(b []byte) ([]float32, []byte, error) {
	size, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	out := make([]float32, size)
	for i := range out {
		if msgp.NextType(b) == msgp.Float64Type {
			var f float64
			f, b, err = msgp.ReadFloat64Bytes(b)
			out[i] = float32(f)
		} else {
			out[i], b, err = msgp.ReadFloat32Bytes(b)
		}
		if err != nil {
			return nil, b, err
		}
	}
	return out, b, nil
}
