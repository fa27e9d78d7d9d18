package scrape

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MetadataKey is the reserved payload key carrying retrieval metadata.
const MetadataKey = "_metadata"

// Metadata describes how a payload was produced.
type Metadata struct {
	URL         string
	RetrievedAt time.Time
	Fields      []string
	Strategy    Strategy
	SnapshotURI string
}

// Payload is the extraction output: field name to matched values, in
// document order, plus metadata.
type Payload struct {
	Fields   map[string][]string
	Metadata Metadata
}

// Clone deep-copies the payload.
func (p Payload) Clone() Payload {
	out := Payload{Metadata: p.Metadata}
	if p.Fields != nil {
		out.Fields = make(map[string][]string, len(p.Fields))
		for k, v := range p.Fields {
			out.Fields[k] = append([]string{}, v...)
		}
	}
	if p.Metadata.Fields != nil {
		out.Metadata.Fields = append([]string{}, p.Metadata.Fields...)
	}
	return out
}

type metadataJSON struct {
	URL           string   `json:"url"`
	Timestamp     float64  `json:"timestamp"`
	ScrapedFields []string `json:"scraped_fields"`
	Strategy      Strategy `json:"strategy,omitempty"`
	SnapshotURI   string   `json:"snapshot_uri,omitempty"`
}

// MarshalJSON renders the payload as one flat object with a "_metadata" key.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		if v == nil {
			v = []string{}
		}
		out[k] = v
	}
	fields := p.Metadata.Fields
	if fields == nil {
		fields = []string{}
	}
	out[MetadataKey] = metadataJSON{
		URL:           p.Metadata.URL,
		Timestamp:     float64(p.Metadata.RetrievedAt.UnixNano()) / float64(time.Second),
		ScrapedFields: fields,
		Strategy:      p.Metadata.Strategy,
		SnapshotURI:   p.Metadata.SnapshotURI,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalJSON parses the flat object form produced by MarshalJSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	p.Fields = make(map[string][]string, len(raw))
	p.Metadata = Metadata{}
	for k, v := range raw {
		if k == MetadataKey {
			var meta metadataJSON
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("unmarshal payload metadata: %w", err)
			}
			sec, frac := math.Modf(meta.Timestamp)
			p.Metadata = Metadata{
				URL:         meta.URL,
				RetrievedAt: time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(),
				Fields:      meta.ScrapedFields,
				Strategy:    meta.Strategy,
				SnapshotURI: meta.SnapshotURI,
			}
			continue
		}
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			return fmt.Errorf("unmarshal payload field %q: %w", k, err)
		}
		p.Fields[k] = values
	}
	return nil
}
