package tabsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecordID identifies one quick tab within the shared document. IDs are
// validated once at the system boundary; internal code treats them as opaque.
type RecordID string

func ParseRecordID(raw string) (RecordID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &StructuralError{Field: "id", Reason: "empty record id"}
	}
	return RecordID(raw), nil
}

// Point is a tab's top-left position in page coordinates.
type Point struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// Size is a tab's rendered extent. Both dimensions are strictly positive.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// QuickTabRecord is one floating window's persisted state.
type QuickTabRecord struct {
	ID           RecordID `json:"id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Position     Point    `json:"position"`
	Size         Size     `json:"size"`
	ZIndex       int      `json:"zIndex"`
	Minimized    bool     `json:"minimized"`
	SoloedOnTabs []string `json:"soloedOnTabs,omitempty"`
	MutedOnTabs  []string `json:"mutedOnTabs,omitempty"`

	// OwnerID and ScopeID partition write access. nil OwnerID marks a
	// legacy record that any instance may write. Once non-nil the pair is
	// preserved verbatim across every mutation that is not an explicit
	// re-ownership; coercion to nil is a defect, not a transition.
	OwnerID *int64  `json:"ownerId"`
	ScopeID *string `json:"scopeId"`

	// Permanent routes the record to the durable store; non-permanent
	// records live in the session-scoped store when one is configured.
	Permanent bool `json:"permanent"`
}

func (r *QuickTabRecord) Validate() error {
	if _, err := ParseRecordID(string(r.ID)); err != nil {
		return err
	}
	if r.Position.Left < 0 || r.Position.Top < 0 {
		return &StructuralError{Field: "position", Reason: fmt.Sprintf("negative position %v for %s", r.Position, r.ID)}
	}
	if r.Size.Width <= 0 || r.Size.Height <= 0 {
		return &StructuralError{Field: "size", Reason: fmt.Sprintf("non-positive size %v for %s", r.Size, r.ID)}
	}
	return nil
}

// Clone returns a deep copy so cached records never alias document batches.
func (r QuickTabRecord) Clone() QuickTabRecord {
	out := r
	if r.SoloedOnTabs != nil {
		out.SoloedOnTabs = append([]string(nil), r.SoloedOnTabs...)
	}
	if r.MutedOnTabs != nil {
		out.MutedOnTabs = append([]string(nil), r.MutedOnTabs...)
	}
	if r.OwnerID != nil {
		owner := *r.OwnerID
		out.OwnerID = &owner
	}
	if r.ScopeID != nil {
		scope := *r.ScopeID
		out.ScopeID = &scope
	}
	return out
}

// StateDocument is the unit of persistence: the full tab batch plus the
// identity of the physical writer. Constructed fresh from the live record
// collection immediately before each write attempt, consumed exactly once.
type StateDocument struct {
	Tabs             []QuickTabRecord `json:"tabs"`
	Timestamp        int64            `json:"timestamp"`
	SaveID           string           `json:"saveId"`
	TransactionID    string           `json:"transactionId"`
	WriterInstanceID string           `json:"writerInstanceId"`
	WriterOwnerID    *int64           `json:"writerOwnerId"`
}

func (d *StateDocument) Validate() error {
	if strings.TrimSpace(d.SaveID) == "" {
		return &StructuralError{Field: "saveId", Reason: "missing"}
	}
	if strings.TrimSpace(d.TransactionID) == "" {
		return &StructuralError{Field: "transactionId", Reason: "missing"}
	}
	if strings.TrimSpace(d.WriterInstanceID) == "" {
		return &StructuralError{Field: "writerInstanceId", Reason: "missing"}
	}
	if d.Timestamp <= 0 {
		return &StructuralError{Field: "timestamp", Reason: "missing"}
	}
	seen := make(map[RecordID]struct{}, len(d.Tabs))
	for i := range d.Tabs {
		if err := d.Tabs[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Tabs[i].ID]; dup {
			return &StructuralError{Field: "tabs", Reason: fmt.Sprintf("duplicate record id %s", d.Tabs[i].ID)}
		}
		seen[d.Tabs[i].ID] = struct{}{}
	}
	return nil
}

// DecodeStateDocument normalizes a raw store value into a typed document.
// Owner ids that historically arrived as strings are coerced here, once;
// nothing downstream re-validates.
func DecodeStateDocument(raw []byte) (*StateDocument, error) {
	var wire struct {
		Tabs []struct {
			ID           string          `json:"id"`
			URL          string          `json:"url"`
			Title        string          `json:"title"`
			Position     Point           `json:"position"`
			Size         Size            `json:"size"`
			ZIndex       int             `json:"zIndex"`
			Minimized    bool            `json:"minimized"`
			SoloedOnTabs []string        `json:"soloedOnTabs"`
			MutedOnTabs  []string        `json:"mutedOnTabs"`
			OwnerID      json.RawMessage `json:"ownerId"`
			ScopeID      *string         `json:"scopeId"`
			Permanent    bool            `json:"permanent"`
		} `json:"tabs"`
		Timestamp        int64           `json:"timestamp"`
		SaveID           string          `json:"saveId"`
		TransactionID    string          `json:"transactionId"`
		WriterInstanceID string          `json:"writerInstanceId"`
		WriterOwnerID    json.RawMessage `json:"writerOwnerId"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &StructuralError{Reason: err.Error()}
	}
	doc := &StateDocument{
		Timestamp:        wire.Timestamp,
		SaveID:           wire.SaveID,
		TransactionID:    wire.TransactionID,
		WriterInstanceID: wire.WriterInstanceID,
	}
	var err error
	if doc.WriterOwnerID, err = decodeOwnerID(wire.WriterOwnerID); err != nil {
		return nil, &StructuralError{Field: "writerOwnerId", Reason: err.Error()}
	}
	doc.Tabs = make([]QuickTabRecord, 0, len(wire.Tabs))
	for _, t := range wire.Tabs {
		id, idErr := ParseRecordID(t.ID)
		if idErr != nil {
			return nil, idErr
		}
		owner, ownerErr := decodeOwnerID(t.OwnerID)
		if ownerErr != nil {
			return nil, &StructuralError{Field: "ownerId", Reason: fmt.Sprintf("%s: %v", t.ID, ownerErr)}
		}
		doc.Tabs = append(doc.Tabs, QuickTabRecord{
			ID:           id,
			URL:          t.URL,
			Title:        t.Title,
			Position:     t.Position,
			Size:         t.Size,
			ZIndex:       t.ZIndex,
			Minimized:    t.Minimized,
			SoloedOnTabs: t.SoloedOnTabs,
			MutedOnTabs:  t.MutedOnTabs,
			OwnerID:      owner,
			ScopeID:      t.ScopeID,
			Permanent:    t.Permanent,
		})
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeOwnerID accepts null, a JSON number, or a numeric string. Earlier
// deployments serialized owner ids as strings.
func decodeOwnerID(raw json.RawMessage) (*int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		value, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("owner id %q is not numeric", s)
		}
		return &value, nil
	}
	var value int64
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
