// Package publisher holds helpers shared by the event publishers.
package publisher

import (
	"encoding/json"
	"fmt"
)

// Attributer is implemented by payloads that carry broker attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Encode renders payload as JSON plus its attributes, if it has any.
func Encode(payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	return data, attrs, nil
}
