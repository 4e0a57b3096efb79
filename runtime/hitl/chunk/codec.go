package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode parses a JSON encoded chunk. Chunks with an unrecognized type decode
// to Unknown. Decode fails only when the payload is not a JSON object or a
// known chunk type does not match its schema.
func Decode(data []byte) (Chunk, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	if head.Type == "" {
		return nil, errors.New("decode chunk: missing type")
	}
	var (
		c   Chunk
		err error
	)
	switch head.Type {
	case TypeContent:
		c, err = decodeAs[Content](data)
	case TypeThinking:
		c, err = decodeAs[Thinking](data)
	case TypeToolCall:
		c, err = decodeAs[ToolCall](data)
	case TypeToolResult:
		c, err = decodeAs[ToolResult](data)
	case TypeToolInputAvailable:
		c, err = decodeAs[ToolInputAvailable](data)
	case TypeApprovalRequested:
		c, err = decodeAs[ApprovalRequested](data)
	case TypeError:
		c, err = decodeAs[Error](data)
	case TypeDone:
		c, err = decodeAs[Done](data)
	default:
		var u Unknown
		if err := json.Unmarshal(data, &u.Base); err != nil {
			return nil, fmt.Errorf("decode %s chunk: %w", head.Type, err)
		}
		u.Kind = head.Type
		u.Raw = append(json.RawMessage(nil), data...)
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s chunk: %w", head.Type, err)
	}
	return c, nil
}

// Encode serializes a chunk to JSON, adding the "type" discriminator.
func Encode(c Chunk) ([]byte, error) {
	if c == nil {
		return nil, errors.New("encode chunk: nil chunk")
	}
	if u, ok := c.(Unknown); ok && len(u.Raw) > 0 {
		return u.Raw, nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s chunk: %w", c.Type(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s chunk: %w", c.Type(), err)
	}
	typ, err := json.Marshal(c.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

func decodeAs[T Chunk](data []byte) (Chunk, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
