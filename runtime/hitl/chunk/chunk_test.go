package chunk

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeKnownTypes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Chunk
	}{
		{
			name: "approval requested",
			in:   `{"type":"approval-requested","id":"run-1","model":"m","timestamp":7,"toolCallId":"call-1","toolName":"execute_sql","input":{"sql":"SELECT 1"},"approval":{"id":"call-1","needsApproval":true}}`,
			want: ApprovalRequested{
				Base:       Base{ID: "run-1", Model: "m", Timestamp: 7},
				ToolCallID: "call-1",
				ToolName:   "execute_sql",
				Input:      map[string]any{"sql": "SELECT 1"},
				Approval:   Approval{ID: "call-1", NeedsApproval: true},
			},
		},
		{
			name: "tool input available",
			in:   `{"type":"tool-input-available","id":"run-1","model":"m","timestamp":0,"toolCallId":"call-2","toolName":"export_csv","input":{"artifact_id":"a_run-1_1"}}`,
			want: ToolInputAvailable{
				Base:       Base{ID: "run-1", Model: "m"},
				ToolCallID: "call-2",
				ToolName:   "export_csv",
				Input:      map[string]any{"artifact_id": "a_run-1_1"},
			},
		},
		{
			name: "done",
			in:   `{"type":"done","id":"run-1","model":"m","timestamp":0,"finishReason":"tool_calls"}`,
			want: Done{Base: Base{ID: "run-1", Model: "m"}, FinishReason: FinishToolCalls},
		},
		{
			name: "tool call",
			in:   `{"type":"tool_call","id":"run-1","model":"m","timestamp":0,"index":1,"toolCall":{"id":"call-1","type":"function","function":{"name":"execute_sql","arguments":"{}"}}}`,
			want: ToolCall{
				Base:     Base{ID: "run-1", Model: "m"},
				Index:    1,
				ToolCall: ToolCallSpec{ID: "call-1", Kind: "function", Function: FunctionCall{Name: "execute_sql", Arguments: "{}"}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, "run-1", got.RunID())
		})
	}
}

func TestDecodeUnknownTypePassesThrough(t *testing.T) {
	in := `{"type":"text-delta","id":"run-9","model":"m","timestamp":3,"delta":"hi"}`
	got, err := Decode([]byte(in))
	require.NoError(t, err)
	u, ok := got.(Unknown)
	require.True(t, ok)
	require.Equal(t, Type("text-delta"), u.Type())
	require.Equal(t, "run-9", u.RunID())

	out, err := Encode(u)
	require.NoError(t, err)
	require.JSONEq(t, in, string(out))
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"run-1"}`))
	require.Error(t, err)
	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeAddsDiscriminator(t *testing.T) {
	out, err := Encode(Done{Base: Base{ID: "run-1", Model: "m", Timestamp: 1}, FinishReason: FinishStop})
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	require.Equal(t, "done", fields["type"])
	require.Equal(t, "stop", fields["finishReason"])

	back, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, TypeDone, back.Type())
}

func TestReaderStopsAtDone(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, Content{Base: Base{ID: "run-1"}, Content: "he", Delta: "he"}))
	buf.WriteString(": keep-alive\n\n")
	require.NoError(t, WriteEvent(&buf, Content{Base: Base{ID: "run-1"}, Content: "hello\nworld", Delta: "llo\nworld"}))
	require.NoError(t, WriteDone(&buf))
	require.NoError(t, WriteEvent(&buf, Done{Base: Base{ID: "run-1"}}))

	r := NewReader(&buf)
	first, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "he", first.(Content).Delta)
	second, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "hello\nworld", second.(Content).Content)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderHandlesStreamWithoutTrailingBlankLine(t *testing.T) {
	r := NewReader(strings.NewReader(`data: {"type":"done","id":"run-2","model":"","timestamp":0,"finishReason":"stop"}`))
	c, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeDone, c.Type())
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
