package models

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes t as a flat tagged record: {"type": kind, header..., payload...}.
func Marshal(t Task) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal %s task: %w", t.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s task: %w", t.Kind(), err)
	}
	kind, _ := json.Marshal(t.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Unmarshal decodes a tagged record. Unknown kinds are an error; unknown
// fields are ignored.
func Unmarshal(data []byte) (Task, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	var t Task
	switch tag.Type {
	case KindSendTextMessage:
		t = &SendTextMessage{}
	case KindUploadMedia:
		t = &UploadMedia{}
	case KindExecuteToolCall:
		t = &ExecuteToolCall{}
	case KindGenerateImage:
		t = &GenerateImage{}
	case KindSaveConversation:
		t = &SaveConversation{}
	case KindGenerateTitle:
		t = &GenerateTitle{}
	case KindImageToDataURL:
		t = &ImageToDataURL{}
	default:
		return nil, fmt.Errorf("decode task: unknown type %q", tag.Type)
	}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decode %s task: %w", tag.Type, err)
	}
	return t, nil
}

// MarshalList encodes tasks as a JSON array of tagged records.
func MarshalList(tasks []Task) ([]byte, error) {
	records := make([]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		raw, err := Marshal(t)
		if err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	return json.Marshal(records)
}

// UnmarshalList decodes a JSON array of tagged records.
func UnmarshalList(data []byte) ([]Task, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	tasks := make([]Task, 0, len(records))
	for _, r := range records {
		t, err := Unmarshal(r)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
