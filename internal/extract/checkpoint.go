package extract

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// LangGraph's serializer wraps Python objects in msgpack extensions whose
// payload is a packed (module, name, value[, method]) tuple. Ids 0 to 5
// cover constructors, methods and pydantic models; 6 is numpy.
const (
	extFirst = 0
	extLast  = 6
)

// messageUsage matches LangChain usage_metadata.
var messageUsage = UsageKeys{
	Prompt:     []string{"input_tokens"},
	Completion: []string{"output_tokens"},
}

// wrapped is a decoded extension; Value is the object's plain data.
type wrapped struct {
	Value any
}

func init() {
	for id := extFirst; id <= extLast; id++ {
		msgpack.RegisterExtDecoder(int8(id), (*wrapped)(nil), decodeWrapped)
	}
}

func decodeWrapped(dec *msgpack.Decoder, v reflect.Value, n int) error {
	buf := make([]byte, n)
	if err := dec.ReadFull(buf); err != nil {
		return err
	}
	payload, err := unpack(buf)
	if err != nil {
		return err
	}
	w := &wrapped{Value: payload}
	if tuple, ok := payload.([]any); ok && len(tuple) >= 3 {
		w.Value = tuple[2]
	}
	v.Set(reflect.ValueOf(w))
	return nil
}

// unpack decodes one msgpack value, accepting maps with non-string keys.
func unpack(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	return dec.DecodeInterface()
}

// plain unwraps extensions and stringifies map keys so the tree encodes
// as JSON.
func plain(v any) any {
	switch t := v.(type) {
	case *wrapped:
		return plain(t.Value)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case []byte:
		return string(t)
	}
	return v
}

// DecodeCheckpoint turns a stored LangGraph checkpoint of the given serde
// type ("json" or "msgpack") into an Object.
func DecodeCheckpoint(typ string, data []byte) (Object, error) {
	switch typ {
	case "json":
		return ParseObject(data)
	case "msgpack":
		tree, err := unpack(data)
		if err != nil {
			return nil, telemetry.Unusable("decode checkpoint: %v", err)
		}
		encoded, err := json.Marshal(plain(tree))
		if err != nil {
			return nil, telemetry.Unusable("re-encode checkpoint: %v", err)
		}
		return ParseObject(encoded)
	}
	return nil, telemetry.Unusable("unsupported checkpoint encoding %q", typ)
}

// ThreadCheckpoint reads the newest checkpoint of one thread from a
// LangGraph SQLite saver.
func ThreadCheckpoint(ctx context.Context, dbPath, threadID string) (Object, error) {
	db, err := openReadOnly(dbPath)
	if err != nil {
		return nil, telemetry.Unusable("%v", err)
	}
	defer db.Close()

	var typ string
	var data []byte
	err = db.QueryRowContext(ctx, `
		SELECT type, checkpoint
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY checkpoint_id DESC
		LIMIT 1`, threadID).Scan(&typ, &data)
	if err == sql.ErrNoRows {
		return nil, telemetry.Unusable("no checkpoint for thread %s", threadID)
	}
	if err != nil {
		return nil, telemetry.Unusable("read checkpoint: %v", err)
	}
	return DecodeCheckpoint(typ, data)
}

// CheckpointMessages folds the AI messages of a checkpoint's message
// channel. Every AI message must carry usage_metadata token counts and a
// response_metadata model name.
func CheckpointMessages(checkpoint Object) (telemetry.Record, error) {
	values, err := checkpoint.Object("channel_values")
	if err != nil {
		return telemetry.Record{}, err
	}
	msgs, err := values.Objects("messages")
	if err != nil {
		return telemetry.Record{}, err
	}

	rec := telemetry.Record{ModelsUsage: telemetry.ModelUsage{}}
	calls, tools := 0, 0
	var response string
	for i, msg := range msgs {
		typ, _, err := msg.OptString("type")
		if err != nil {
			return telemetry.Record{}, err
		}
		if typ != "ai" {
			continue
		}
		calls++
		usage, err := msg.Object("usage_metadata")
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("message %d: %v", i, err)
		}
		u, err := messageUsage.Decode(usage)
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("message %d: %v", i, err)
		}
		meta, err := msg.Object("response_metadata")
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("message %d: %v", i, err)
		}
		model, err := nonEmpty(meta, "model_name")
		if err != nil {
			return telemetry.Record{}, telemetry.Unusable("message %d: %v", i, err)
		}
		rec.ModelsUsage.Add(model, u)

		if tc, ok, err := msg.OptArray("tool_calls"); err != nil {
			return telemetry.Record{}, err
		} else if ok {
			tools += len(tc)
		}
		text, err := contentText(msg)
		if err != nil {
			return telemetry.Record{}, err
		}
		if text != "" {
			response = text
		}
	}
	if calls == 0 {
		return telemetry.Record{}, telemetry.Unusable("no AI messages in checkpoint")
	}
	rec.LLMCalls = telemetry.Int(calls)
	rec.ToolCalls = telemetry.Int(tools)
	rec.Response = telemetry.Text(response)
	return rec, nil
}

// contentText joins string content or the text of list content, where
// list items are strings or {"text": ...} objects.
func contentText(msg Object) (string, error) {
	if s, _, err := msg.OptString("content"); err == nil {
		return strings.TrimSpace(s), nil
	}
	items, err := msg.Array("content")
	if err != nil {
		return "", err
	}
	var parts []string
	for _, raw := range items {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
			continue
		}
		item, err := AsObject(raw, "content")
		if err != nil {
			return "", err
		}
		text, _, err := item.OptString("text")
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
