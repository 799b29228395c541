package certstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetadataVersion is the current metadata.json schema version.
const MetadataVersion = 1

// Metadata describes one provisioned network certificate.
type Metadata struct {
	Version       int       `json:"version"`
	NetworkID     string    `json:"networkId"`
	IPs           []string  `json:"ips"`
	PublicIP      *string   `json:"publicIp"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	Label         string    `json:"label"`
	AutoGenerated bool      `json:"autoGenerated"`
}

// Clone returns a deep copy, so callers can mutate without touching a cached
// entry.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.IPs = append([]string(nil), m.IPs...)
	if m.PublicIP != nil {
		ip := *m.PublicIP
		out.PublicIP = &ip
	}
	return &out
}

// rawMetadata mirrors Metadata with every field optional, so that documents
// written by older versions can be told apart from zero values.
type rawMetadata struct {
	Version       *int     `json:"version"`
	NetworkID     *string  `json:"networkId"`
	IPs           []string `json:"ips"`
	PublicIP      *string  `json:"publicIp"`
	CreatedAt     *string  `json:"createdAt"`
	LastUsedAt    *string  `json:"lastUsedAt"`
	Label         *string  `json:"label"`
	AutoGenerated *bool    `json:"autoGenerated"`
}

// DecodeMetadata parses a metadata document and fills in fields absent from
// older documents:
//
//	version        -> MetadataVersion
//	networkId      -> dirName
//	ips            -> empty list
//	createdAt      -> fallbackTime (the file's mtime)
//	lastUsedAt     -> createdAt
//	autoGenerated  -> true
//	label          -> ""
func DecodeMetadata(data []byte, dirName string, fallbackTime time.Time) (*Metadata, error) {
	var raw rawMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	m := &Metadata{
		Version:       MetadataVersion,
		NetworkID:     dirName,
		IPs:           []string{},
		AutoGenerated: true,
		CreatedAt:     fallbackTime.UTC(),
	}

	if raw.Version != nil {
		if *raw.Version > MetadataVersion {
			return nil, fmt.Errorf("%w %d", ErrUnsupportedVersion, *raw.Version)
		}
		// Older versions are upgraded on the next write.
		m.Version = MetadataVersion
	}
	if raw.NetworkID != nil && *raw.NetworkID != "" {
		m.NetworkID = *raw.NetworkID
	}
	if raw.IPs != nil {
		m.IPs = raw.IPs
	}
	if raw.PublicIP != nil && *raw.PublicIP != "" {
		m.PublicIP = raw.PublicIP
	}
	if raw.CreatedAt != nil {
		ts, err := time.Parse(time.RFC3339Nano, *raw.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse metadata createdAt: %w", err)
		}
		m.CreatedAt = ts.UTC()
	}
	m.LastUsedAt = m.CreatedAt
	if raw.LastUsedAt != nil {
		ts, err := time.Parse(time.RFC3339Nano, *raw.LastUsedAt)
		if err != nil {
			return nil, fmt.Errorf("parse metadata lastUsedAt: %w", err)
		}
		m.LastUsedAt = ts.UTC()
	}
	if raw.Label != nil {
		m.Label = *raw.Label
	}
	if raw.AutoGenerated != nil {
		m.AutoGenerated = *raw.AutoGenerated
	}

	return m, nil
}

// EncodeMetadata serializes m as indented JSON, always stamping the current
// version.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	out := *m
	out.Version = MetadataVersion
	if out.IPs == nil {
		out.IPs = []string{}
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.LastUsedAt = out.LastUsedAt.UTC()
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return append(data, '\n'), nil
}
