package catalog

import "encoding/json"

// UnmarshalJSON accepts content as either a plain string or an array of
// ContentPart objects, matching the OpenAI wire format.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Name = raw.Name
	m.ToolCallID = raw.ToolCallID

	if len(raw.Content) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		m.Text = asString
		return nil
	}
	var asParts []ContentPart
	if err := json.Unmarshal(raw.Content, &asParts); err != nil {
		return err
	}
	m.Parts = asParts
	return nil
}

// MarshalJSON emits content as a plain string when there are no parts, and
// as an array of parts otherwise.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       string `json:"role"`
		Content    any    `json:"content"`
		Name       string `json:"name,omitempty"`
		ToolCallID string `json:"tool_call_id,omitempty"`
	}
	w := wire{Role: m.Role, Name: m.Name, ToolCallID: m.ToolCallID}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	} else {
		w.Content = m.Text
	}
	return json.Marshal(w)
}
