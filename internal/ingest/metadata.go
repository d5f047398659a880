package ingest

// Metadata is the free-form annotation map stored with each item.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaCategory          = "category"
	MetaSourceCategory    = "source_category"
	MetaTimePeriod        = "time_period"
	MetaColumnPeriod      = "column_period"
	MetaColumns           = "columns"
	MetaShape             = "shape"
	MetaHeaderRowRemoved  = "header_row_removed"
	MetaExtractionMethod  = "extraction_method"
	MetaContentHash       = "content_hash"
	MetaRawURI            = "raw_uri"
	MetaProcessedMetadata = "processed_metadata"
	MetaUsedHeadless      = "used_headless"
)

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean value stored under key.
func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with the entries of other layered on top.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
