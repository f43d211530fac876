package discovery

import "encoding/json"

// mapToStruct re-marshals a generic JSON tree and unmarshals it into
// out's concrete type, avoiding a hand-written field-by-field walker
// for every wire message shape.
func mapToStruct(payload map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
