package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

var emptyObject = json.RawMessage(`{}`)

// --- server side ---

// ToModelSyncRequest converts the wire request. Fields are not validated here;
// the sync service reports bad items individually.
func ToModelSyncRequest(in SyncRequest) model.SyncRequest {
	out := model.SyncRequest{
		DeviceID:         strings.TrimSpace(in.DeviceID),
		LastSyncRevision: in.LastSyncRevision,
		Changes:          make([]model.ChangeProposal, 0, len(in.Changes)),
	}
	for _, c := range in.Changes {
		out.Changes = append(out.Changes, model.ChangeProposal{
			Table:    c.Table,
			Op:       model.Op(strings.ToLower(c.Op)),
			RecordID: c.UUID,
			Data:     c.Data,
		})
	}
	return out
}

// FromModelSyncResult builds the wire response. Slices are never nil so the
// JSON always carries arrays.
func FromModelSyncResult(r model.SyncResult) SyncResponse {
	out := SyncResponse{
		Success:     true,
		NewRevision: r.NewRevision,
		Changes:     make([]ChangeOut, 0, len(r.Changes)),
		Errors:      make([]ItemError, 0, len(r.Errors)),
		Summary:     fromSummary(r.Summary),
	}
	for _, c := range r.Changes {
		out.Changes = append(out.Changes, FromModelChange(c))
	}
	for _, e := range r.Errors {
		out.Errors = append(out.Errors, ItemError{
			UUID:    e.RecordID,
			Table:   e.Table,
			Error:   kindOrDefault(e.Err),
			Message: e.Err.Error(),
		})
	}
	return out
}

// FromModelChange converts one authoritative change; timestamps go out in UTC.
func FromModelChange(c model.Change) ChangeOut {
	data := c.Data
	if len(data) == 0 {
		data = emptyObject
	}
	return ChangeOut{
		Table:     c.Table,
		Op:        string(c.Op),
		UUID:      c.RecordID,
		Data:      data,
		Revision:  c.Revision,
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}

func fromSummary(s model.SyncSummary) Summary {
	return Summary{
		Received:  s.Received,
		Applied:   s.Applied,
		Inserted:  s.Inserted,
		Updated:   s.Updated,
		Deleted:   s.Deleted,
		Recovered: s.Recovered,
		Rejected:  s.Rejected,
		Returned:  s.Returned,
	}
}

func kindOrDefault(err error) string {
	if k := errs.Kind(err); k != "" {
		return k
	}
	return "MalformedPayload"
}

// LoginResponseFrom assembles the login reply.
func LoginResponseFrom(t model.Tokens, u model.User, firmKey []byte, keyVersion int, now time.Time) LoginResponse {
	out := LoginResponse{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    expiresIn(t.ExpiresAt, now),
		UserID:       u.ID,
		FirmID:       u.FirmID,
		Role:         u.Role,
	}
	if len(firmKey) > 0 {
		out.FirmKey, out.FirmKeyVersion = firmKey, keyVersion
	}
	return out
}

// RefreshResponseFrom assembles the refresh reply.
func RefreshResponseFrom(t model.Tokens, now time.Time) RefreshResponse {
	return RefreshResponse{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, ExpiresIn: expiresIn(t.ExpiresAt, now)}
}

func expiresIn(exp, now time.Time) int64 {
	s := int64(exp.Sub(now).Round(time.Second) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

// --- client side ---

// FromModelProposals converts outgoing changes.
func FromModelProposals(in []model.ChangeProposal) []ChangeIn {
	out := make([]ChangeIn, 0, len(in))
	for _, c := range in {
		out = append(out, ChangeIn{Table: c.Table, Op: string(c.Op), UUID: c.RecordID, Data: c.Data})
	}
	return out
}

// ToModelSyncResult converts a server response back to the domain.
func ToModelSyncResult(in SyncResponse) (model.SyncResult, error) {
	if !in.Success {
		return model.SyncResult{}, fmt.Errorf("sync response not successful: %w", errs.ErrPermanentServer)
	}
	out := model.SyncResult{
		NewRevision: in.NewRevision,
		Changes:     make([]model.Change, 0, len(in.Changes)),
		Summary: model.SyncSummary{
			Received:  in.Summary.Received,
			Applied:   in.Summary.Applied,
			Inserted:  in.Summary.Inserted,
			Updated:   in.Summary.Updated,
			Deleted:   in.Summary.Deleted,
			Recovered: in.Summary.Recovered,
			Rejected:  in.Summary.Rejected,
			Returned:  in.Summary.Returned,
		},
	}
	for i, c := range in.Changes {
		op := model.Op(c.Op)
		if !op.Valid() {
			return model.SyncResult{}, fmt.Errorf("change[%d]: op %q: %w", i, c.Op, errs.ErrMalformedPayload)
		}
		if c.UUID.IsNil() {
			return model.SyncResult{}, fmt.Errorf("change[%d]: nil uuid: %w", i, errs.ErrMalformedPayload)
		}
		if c.Revision <= 0 || c.Revision > in.NewRevision {
			return model.SyncResult{}, fmt.Errorf("change[%d]: revision %d outside (0, %d]: %w", i, c.Revision, in.NewRevision, errs.ErrMalformedPayload)
		}
		out.Changes = append(out.Changes, model.Change{
			Table:     c.Table,
			Op:        op,
			RecordID:  c.UUID,
			Data:      c.Data,
			Revision:  c.Revision,
			UpdatedAt: c.UpdatedAt,
		})
	}
	for _, e := range in.Errors {
		out.Errors = append(out.Errors, model.ItemError{
			RecordID: e.UUID,
			Table:    e.Table,
			Err:      wireError{sentinel: errs.FromKind(e.Error), msg: e.Message},
		})
	}
	return out, nil
}

// ErrorFromResponse maps an error body to a sentinel, keeping the server message.
func ErrorFromResponse(body ErrorResponse) error {
	return wireError{sentinel: errs.FromKind(body.Error), msg: body.Message}
}

type wireError struct {
	sentinel error
	msg      string
}

func (e wireError) Error() string {
	if e.msg == "" {
		return e.sentinel.Error()
	}
	return e.sentinel.Error() + ": " + e.msg
}

func (e wireError) Unwrap() error { return e.sentinel }
