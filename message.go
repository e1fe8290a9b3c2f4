package tocks

import (
	"github.com/opd-ai/toxcore/limits"

	"github.com/opd-ai/tocks/storage"
)

// maxMessageLength is the protocol's plaintext limit for one message.
const maxMessageLength = limits.MaxPlaintextMessage

// splitMessage chops a message into protocol-sized chunks without ever
// splitting inside a multi-byte UTF-8 code point. Concatenating the
// returned chunks reproduces the input exactly.
func splitMessage(message storage.Message, maxLen int) ([]storage.Message, error) {
	if len(message.Text) == 0 {
		return nil, ErrEmptyMessage
	}

	if len(message.Text) <= maxLen {
		return []storage.Message{message}, nil
	}

	raw := []byte(message.Text)

	var out []storage.Message
	for cursor := 0; cursor < len(raw); {
		start := cursor
		cursor = findSplitPoint(raw, start, start+maxLen)
		out = append(out, storage.Message{Kind: message.Kind, Text: string(raw[start:cursor])})
	}

	return out, nil
}

// findSplitPoint walks the desired split point back to the nearest UTF-8
// code point boundary above start. Continuation bytes are 0b10xxxxxx. If
// every byte back to start is a continuation byte the input is not valid
// UTF-8 and the split happens at the desired point, keeping the chunk walk
// moving forward.
func findSplitPoint(raw []byte, start, desired int) int {
	if desired >= len(raw) {
		return len(raw)
	}

	for candidate := desired; candidate > start; candidate-- {
		if raw[candidate]&0b1100_0000 != 0b1000_0000 {
			return candidate
		}
	}

	return desired
}
