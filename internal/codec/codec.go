package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// ChangeInput is the pre-wire shape of one outbox row handed to
// BuildPushRequest.
type ChangeInput struct {
	EntityType      models.EntityType
	EntityID        string
	Operation       models.Operation
	UpdatedAt       time.Time
	UpdatedByDevice string
	SyncVersion     int
	Payload         json.RawMessage // nil iff Operation == DELETE
	IdempotencyKey  string
}

// BuildPushRequest normalizes and deterministically sorts changes into
// a wire PushRequest. Fails when deviceID is empty.
func BuildPushRequest(deviceID string, baseCursor *string, changes []ChangeInput) (*PushRequest, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("codec: device_id is required")
	}

	wire := make([]Change, 0, len(changes))
	for _, c := range changes {
		version := c.SyncVersion
		if version < 1 {
			version = 1
		}
		payload := c.Payload
		switch c.Operation {
		case models.OpDelete:
			payload = nil
		default:
			if len(payload) == 0 {
				payload = json.RawMessage("{}")
			}
		}
		wire = append(wire, Change{
			EntityType:      string(c.EntityType),
			EntityID:        c.EntityID,
			Operation:       string(c.Operation),
			UpdatedAt:       coerceISO(c.UpdatedAt),
			UpdatedByDevice: c.UpdatedByDevice,
			SyncVersion:     version,
			Payload:         payload,
			IdempotencyKey:  c.IdempotencyKey,
		})
	}
	sortChanges(wire)

	return &PushRequest{
		SchemaVersion: SchemaVersion,
		DeviceID:      deviceID,
		BaseCursor:    baseCursor,
		Changes:       wire,
	}, nil
}

// BuildPullRequest builds a wire PullRequest, clamping limit to [1,500].
func BuildPullRequest(deviceID string, cursor *string, limit int) *PullRequest {
	return &PullRequest{
		SchemaVersion: SchemaVersion,
		DeviceID:      deviceID,
		Cursor:        cursor,
		Limit:         ClampPullLimit(limit),
	}
}

// ClampPullLimit clamps n to [1,500], defaulting non-positive or zero
// values to 200.
func ClampPullLimit(n int) int {
	if n <= 0 {
		return 200
	}
	if n > 500 {
		return 500
	}
	if n < 1 {
		return 1
	}
	return n
}

// CreateIdempotencyKey derives the deterministic idempotency key from
// a device id and change id: lowercase(trim(device_id))+":"+lowercase(trim(change_id)).
func CreateIdempotencyKey(deviceID, changeID string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(deviceID))
	c := strings.ToLower(strings.TrimSpace(changeID))
	if d == "" || c == "" {
		return "", errors.New("codec: device_id and change_id are both required")
	}
	return d + ":" + c, nil
}

// ParsePushResponse strictly parses a push response payload. The
// accepted and rejected lists are returned as decoded, without
// filtering; an entry of the wrong JSON type fails the whole parse
// with PUSH_RESPONSE_INVALID.
func ParsePushResponse(payload []byte) (*PushResponse, error) {
	var raw struct {
		SchemaVersion *int            `json:"schema_version"`
		Accepted      []string        `json:"accepted"`
		Rejected      []Rejection     `json:"rejected"`
		ServerCursor  json.RawMessage `json:"server_cursor"`
		ServerTime    json.RawMessage `json:"server_time"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("PUSH_RESPONSE_INVALID: %w", err)
	}
	if err := checkSchemaVersion(raw.SchemaVersion); err != nil {
		return nil, err
	}
	cursor, err := decodeNonEmptyString(raw.ServerCursor)
	if err != nil {
		return nil, errors.New("PUSH_RESPONSE_METADATA_INVALID: server_cursor")
	}
	serverTime, err := decodeNonEmptyString(raw.ServerTime)
	if err != nil {
		return nil, errors.New("PUSH_RESPONSE_METADATA_INVALID: server_time")
	}
	return &PushResponse{
		SchemaVersion: SchemaVersion,
		Accepted:      raw.Accepted,
		Rejected:      raw.Rejected,
		ServerCursor:  cursor,
		ServerTime:    serverTime,
	}, nil
}

// ParsePullResponse strictly parses a pull response payload, dropping
// malformed change entries (invalid entity_type/operation, missing
// ids) but keeping the frame.
func ParsePullResponse(payload []byte) (*PullResponse, error) {
	var raw struct {
		SchemaVersion *int            `json:"schema_version"`
		ServerCursor  json.RawMessage `json:"server_cursor"`
		ServerTime    json.RawMessage `json:"server_time"`
		Changes       []Change        `json:"changes"`
		HasMore       bool            `json:"has_more"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("PULL_RESPONSE_INVALID: %w", err)
	}
	if err := checkSchemaVersion(raw.SchemaVersion); err != nil {
		return nil, err
	}
	cursor, err := decodeNonEmptyString(raw.ServerCursor)
	if err != nil {
		return nil, errors.New("PULL_RESPONSE_METADATA_INVALID: server_cursor")
	}
	serverTime, err := decodeNonEmptyString(raw.ServerTime)
	if err != nil {
		return nil, errors.New("PULL_RESPONSE_METADATA_INVALID: server_time")
	}

	valid := make([]Change, 0, len(raw.Changes))
	for _, c := range raw.Changes {
		if !models.IsValidEntityType(models.EntityType(c.EntityType)) {
			continue
		}
		if !models.IsValidOperation(models.Operation(c.Operation)) {
			continue
		}
		if strings.TrimSpace(c.EntityID) == "" {
			continue
		}
		valid = append(valid, c)
	}

	return &PullResponse{
		SchemaVersion: SchemaVersion,
		ServerCursor:  cursor,
		ServerTime:    serverTime,
		Changes:       valid,
		HasMore:       raw.HasMore,
	}, nil
}

// checkSchemaVersion surfaces SCHEMA_MISMATCH (spec §4.1) when the
// response carries an explicit schema_version that disagrees with the
// version this codec speaks. A response that omits the field entirely
// is assumed compatible.
func checkSchemaVersion(got *int) error {
	if got == nil || *got == SchemaVersion {
		return nil
	}
	return &ApiError{
		Code:    ErrSchemaMismatch,
		Message: fmt.Sprintf("response schema_version %d does not match %d", *got, SchemaVersion),
	}
}

// ParseApiError maps a raw error envelope onto the closed taxonomy;
// unknown codes map to INTERNAL_ERROR.
func ParseApiError(payload []byte) (*ApiError, error) {
	var raw struct {
		Code         string          `json:"code"`
		Message      string          `json:"message"`
		RetryAfterMs *int            `json:"retry_after_ms"`
		Details      json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("codec: invalid error envelope: %w", err)
	}
	code, ok := knownErrorCodes[raw.Code]
	if !ok {
		code = ErrInternal
	}
	if raw.RetryAfterMs != nil && *raw.RetryAfterMs < 0 {
		zero := 0
		raw.RetryAfterMs = &zero
	}
	return &ApiError{
		Code:         code,
		Message:      raw.Message,
		RetryAfterMs: raw.RetryAfterMs,
		Details:      raw.Details,
	}, nil
}

func decodeNonEmptyString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.New("empty")
	}
	return s, nil
}

// coerceISO formats t as ISO-8601/RFC3339; zero times format as the epoch.
func coerceISO(t time.Time) string {
	if t.IsZero() {
		return time.Unix(0, 0).UTC().Format(time.RFC3339)
	}
	return t.UTC().Format(time.RFC3339)
}

// sortChanges sorts deterministically by (updated_at, entity-priority,
// idempotency_key) per spec §4.1.
func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt < b.UpdatedAt
		}
		pa := models.EntityPriority(models.EntityType(a.EntityType))
		pb := models.EntityPriority(models.EntityType(b.EntityType))
		if pa != pb {
			return pa < pb
		}
		return a.IdempotencyKey < b.IdempotencyKey
	})
}
