package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/jsonfmt"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

// record mirrors one ledger line. Field order on disk is fixed by Encode.
type record struct {
	SessionID      string  `json:"session_id"`
	Email          string  `json:"email"`
	Timestamp      string  `json:"timestamp"`
	Status         string  `json:"status"`
	QueriesGranted int     `json:"queries_granted"`
	ApprovedAt     *string `json:"approved_at"`
	RequestID      string  `json:"request_id"`
}

// Encode renders req as a single ledger line without the trailing newline.
func Encode(req extension.Request) []byte {
	var resolved *string
	if req.ResolvedAt != nil {
		value := timeutil.FormatISO(*req.ResolvedAt)
		resolved = &value
	}
	return jsonfmt.Line([]jsonfmt.Field{
		{Key: "session_id", Value: req.SessionID},
		{Key: "email", Value: req.Email},
		{Key: "timestamp", Value: timeutil.FormatISO(req.CreatedAt)},
		{Key: "status", Value: string(req.Status)},
		{Key: "queries_granted", Value: req.QueriesGranted},
		{Key: "approved_at", Value: resolved},
		{Key: "request_id", Value: req.ID},
	})
}

// Decode parses one ledger line.
func Decode(line []byte) (extension.Request, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return extension.Request{}, fmt.Errorf("decode record: %w", err)
	}
	if strings.TrimSpace(rec.RequestID) == "" {
		return extension.Request{}, fmt.Errorf("record has no request_id")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return extension.Request{}, fmt.Errorf("record %s has no session_id", rec.RequestID)
	}
	status := extension.Status(rec.Status)
	if !status.Valid() {
		return extension.Request{}, fmt.Errorf("record %s has unknown status %q", rec.RequestID, rec.Status)
	}
	created, err := timeutil.ParseISO(rec.Timestamp)
	if err != nil {
		return extension.Request{}, fmt.Errorf("record %s timestamp: %w", rec.RequestID, err)
	}
	req := extension.Request{
		ID:             rec.RequestID,
		SessionID:      rec.SessionID,
		Email:          rec.Email,
		CreatedAt:      created,
		Status:         status,
		QueriesGranted: rec.QueriesGranted,
	}
	if rec.ApprovedAt != nil {
		resolved, err := timeutil.ParseISO(*rec.ApprovedAt)
		if err != nil {
			return extension.Request{}, fmt.Errorf("record %s approved_at: %w", rec.RequestID, err)
		}
		req.ResolvedAt = &resolved
	}
	return req, nil
}
