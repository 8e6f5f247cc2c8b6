package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/limiter"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/repository"
)

/************ firms ************/

type fakeFirms struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*model.Firm
	getErr error
}

var _ repository.FirmRepository = (*fakeFirms)(nil)

func newFakeFirms() *fakeFirms { return &fakeFirms{byID: map[uuid.UUID]*model.Firm{}} }

func (f *fakeFirms) Create(_ context.Context, firm *model.Firm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.byID {
		if x.Handle == firm.Handle {
			return errs.ErrAlreadyExists
		}
	}
	c := *firm
	f.byID[c.ID] = &c
	return nil
}

func (f *fakeFirms) GetByID(_ context.Context, id uuid.UUID) (*model.Firm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *x
	return &c, nil
}

func (f *fakeFirms) GetByHandle(_ context.Context, handle string) (*model.Firm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, x := range f.byID {
		if x.Handle == handle {
			c := *x
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeFirms) SetKey(_ context.Context, id uuid.UUID, wrapped []byte, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	x.WrappedKey, x.KeyVersion = append([]byte(nil), wrapped...), version
	return nil
}

/************ users ************/

type fakeUsers struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*model.User
	tokens   *fakeTokens // revoked on deactivate when set
	getErr   error
	createErr error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers() *fakeUsers { return &fakeUsers{byID: map[uuid.UUID]*model.User{}} }

func (f *fakeUsers) Create(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, x := range f.byID {
		if x.FirmID == u.FirmID && x.Username == u.Username {
			return errs.ErrAlreadyExists
		}
	}
	c := *u
	f.byID[c.ID] = &c
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *x
	return &c, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, firmID uuid.UUID, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, x := range f.byID {
		if x.FirmID == firmID && x.Username == username {
			c := *x
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeUsers) Deactivate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	x, ok := f.byID[id]
	if ok {
		x.Active = false
	}
	f.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	if f.tokens != nil {
		f.tokens.revokeUser(id)
	}
	return nil
}

/************ devices ************/

type devKey struct {
	firm uuid.UUID
	id   string
}

type fakeDevices struct {
	mu      sync.Mutex
	m       map[devKey]*model.Device
	touches int
}

var _ repository.DeviceRepository = (*fakeDevices)(nil)

func newFakeDevices() *fakeDevices { return &fakeDevices{m: map[devKey]*model.Device{}} }

func (f *fakeDevices) Get(_ context.Context, firmID uuid.UUID, deviceID string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.m[devKey{firmID, deviceID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (f *fakeDevices) Bind(_ context.Context, firmID uuid.UUID, deviceID string, approvedIfNew bool) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := devKey{firmID, deviceID}
	d, ok := f.m[k]
	if !ok {
		d = &model.Device{FirmID: firmID, DeviceID: deviceID, Approved: approvedIfNew, CreatedAt: time.Now()}
		f.m[k] = d
	}
	d.LastSeenAt = time.Now()
	c := *d
	return &c, nil
}

func (f *fakeDevices) Touch(_ context.Context, firmID uuid.UUID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

func (f *fakeDevices) set(firmID uuid.UUID, deviceID string, fn func(d *model.Device)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.m[devKey{firmID, deviceID}]
	if !ok {
		return errs.ErrNotFound
	}
	fn(d)
	return nil
}

func (f *fakeDevices) Approve(_ context.Context, firmID uuid.UUID, deviceID string) error {
	return f.set(firmID, deviceID, func(d *model.Device) { d.Approved, d.Revoked = true, false })
}

func (f *fakeDevices) Revoke(_ context.Context, firmID uuid.UUID, deviceID string) error {
	return f.set(firmID, deviceID, func(d *model.Device) { d.Approved, d.Revoked = false, true })
}

func (f *fakeDevices) List(_ context.Context, firmID uuid.UUID) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Device
	for k, d := range f.m {
		if k.firm == firmID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

/************ join codes ************/

type fakeJoinCodes struct {
	mu      sync.Mutex
	codes   map[string]*model.JoinCode
	firms   *fakeFirms
	devices *fakeDevices
}

var _ repository.JoinCodeRepository = (*fakeJoinCodes)(nil)

func (f *fakeJoinCodes) Create(_ context.Context, jc *model.JoinCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codes == nil {
		f.codes = map[string]*model.JoinCode{}
	}
	if _, ok := f.codes[jc.Code]; ok {
		return errs.ErrAlreadyExists
	}
	c := *jc
	f.codes[jc.Code] = &c
	return nil
}

func (f *fakeJoinCodes) Enroll(ctx context.Context, code, deviceID string, _ json.RawMessage, now time.Time) (model.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jc, ok := f.codes[code]
	if !ok || !now.Before(jc.ExpiresAt) || jc.UseCount >= jc.MaxUses {
		return model.Enrollment{}, errs.ErrJoinCodeInvalid
	}
	firm, err := f.firms.GetByID(ctx, jc.FirmID)
	if err != nil {
		return model.Enrollment{}, err
	}
	jc.UseCount++
	d, _ := f.devices.Bind(ctx, firm.ID, deviceID, !firm.RequireDeviceApproval)
	if d.Revoked {
		_ = f.devices.set(firm.ID, deviceID, func(x *model.Device) { x.Revoked = false })
	}
	return model.Enrollment{FirmID: firm.ID, FirmName: firm.Name, Approved: d.Approved}, nil
}

/************ refresh tokens ************/

type fakeTokens struct {
	mu sync.Mutex
	m  map[string]*model.RefreshToken
}

var _ repository.TokenRepository = (*fakeTokens)(nil)

func newFakeTokens() *fakeTokens { return &fakeTokens{m: map[string]*model.RefreshToken{}} }

func (f *fakeTokens) revokeLiveLocked(user uuid.UUID, device string) {
	for _, t := range f.m {
		if t.UserID == user && t.DeviceID == device {
			t.Revoked = true
		}
	}
}

func (f *fakeTokens) revokeUser(user uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.m {
		if t.UserID == user {
			t.Revoked = true
		}
	}
}

func (f *fakeTokens) live(user uuid.UUID, device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.m {
		if t.UserID == user && t.DeviceID == device && !t.Revoked {
			n++
		}
	}
	return n
}

func (f *fakeTokens) get(hash string) (model.RefreshToken, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[hash]
	if !ok {
		return model.RefreshToken{}, false
	}
	return *t, true
}

func (f *fakeTokens) Issue(_ context.Context, t *model.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeLiveLocked(t.UserID, t.DeviceID)
	c := *t
	f.m[t.TokenHash] = &c
	return nil
}

func (f *fakeTokens) Rotate(_ context.Context, oldHash string, next *model.RefreshToken, now time.Time) (*model.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.m[oldHash]
	if !ok || old.Revoked || !now.Before(old.ExpiresAt) {
		return nil, errs.ErrAuthFailed
	}
	f.revokeLiveLocked(old.UserID, old.DeviceID)
	next.UserID, next.DeviceID = old.UserID, old.DeviceID
	c := *next
	f.m[next.TokenHash] = &c
	o := *old
	return &o, nil
}

func (f *fakeTokens) Revoke(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[hash]
	if !ok {
		return nil
	}
	t.Revoked = true
	f.revokeLiveLocked(t.UserID, t.DeviceID)
	return nil
}

/************ limiter ************/

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	allowCalls   int
	failureCalls int
	successCalls int
	lastSubject  string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, subject string, _ []byte) (bool, time.Duration, error) {
	l.allowCalls++
	l.lastSubject = subject
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

/************ sync store ************/

// memStore honors the allocator contract: a firm's transaction holds the firm
// lock from start to end, and a failed transaction leaves no trace.
type memStore struct {
	mu      sync.Mutex
	firms   map[uuid.UUID]*memFirm
	replays int // number of times fn is re-run before the final attempt
}

type memFirm struct {
	lock sync.Mutex
	rev  int64
	recs map[uuid.UUID]model.SyncRecord
}

var _ repository.SyncStore = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{firms: map[uuid.UUID]*memFirm{}} }

func (s *memStore) firm(id uuid.UUID) *memFirm {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.firms[id]
	if !ok {
		f = &memFirm{recs: map[uuid.UUID]model.SyncRecord{}}
		s.firms[id] = f
	}
	return f
}

func (s *memStore) InFirmTx(ctx context.Context, firmID uuid.UUID, fn func(repository.SyncTx) error) error {
	f := s.firm(firmID)
	f.lock.Lock()
	defer f.lock.Unlock()

	for {
		tx := &memTx{firmID: firmID, rev: f.rev, recs: make(map[uuid.UUID]model.SyncRecord, len(f.recs))}
		for k, v := range f.recs {
			tx.recs[k] = v
		}
		if err := fn(tx); err != nil {
			return err
		}
		if s.replays > 0 {
			s.replays--
			continue
		}
		f.rev, f.recs = tx.rev, tx.recs
		return nil
	}
}

func (s *memStore) record(firmID, id uuid.UUID) (model.SyncRecord, bool) {
	f := s.firm(firmID)
	f.lock.Lock()
	defer f.lock.Unlock()
	r, ok := f.recs[id]
	return r, ok
}

func (s *memStore) revision(firmID uuid.UUID) int64 {
	f := s.firm(firmID)
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rev
}

type memTx struct {
	firmID    uuid.UUID
	rev       int64
	recs      map[uuid.UUID]model.SyncRecord
}

func (t *memTx) AllocateRevision(context.Context) (int64, error) {
	t.rev++
	return t.rev, nil
}

func (t *memTx) CurrentRevision(context.Context) (int64, error) { return t.rev, nil }

func (t *memTx) Get(_ context.Context, id uuid.UUID) (*model.SyncRecord, error) {
	r, ok := t.recs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (t *memTx) Upsert(_ context.Context, w model.SyncRecordWrite) error {
	now := time.Now()
	r, ok := t.recs[w.RecordID]
	if !ok {
		r = model.SyncRecord{FirmID: t.firmID, RecordID: w.RecordID, Table: w.Table, CreatedRevision: w.Revision, CreatedAt: now, CreatedByDevice: w.ByDevice}
	}
	r.Payload, r.Deleted, r.Revision, r.UpdatedAt, r.UpdatedByDevice = w.Payload, w.Deleted, w.Revision, now, w.ByDevice
	t.recs[w.RecordID] = r
	return nil
}

func (t *memTx) ChangesSince(_ context.Context, cursor, upper int64) ([]model.SyncRecord, error) {
	var out []model.SyncRecord
	for _, r := range t.recs {
		if r.Revision > cursor && r.Revision <= upper {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

// rcStore models a single firm under READ COMMITTED: reads see the latest
// committed state, and only AllocateRevision takes the firm lock, which is
// then held until the transaction ends.
type rcStore struct {
	alloc sync.Mutex

	mu           sync.Mutex
	rev          int64
	recs         map[uuid.UUID]model.SyncRecord
	beforeCommit func()

	contended chan struct{}
}

var _ repository.SyncStore = (*rcStore)(nil)

func newRCStore() *rcStore {
	return &rcStore{recs: map[uuid.UUID]model.SyncRecord{}, contended: make(chan struct{}, 1)}
}

func (s *rcStore) InFirmTx(_ context.Context, firmID uuid.UUID, fn func(repository.SyncTx) error) error {
	tx := &rcTx{s: s, firmID: firmID, own: map[uuid.UUID]model.SyncRecord{}}
	defer func() {
		if tx.locked {
			s.alloc.Unlock()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	hook := s.beforeCommit
	s.beforeCommit = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.locked {
		s.rev = tx.rev
	}
	for k, v := range tx.own {
		s.recs[k] = v
	}
	return nil
}

func (s *rcStore) record(id uuid.UUID) (model.SyncRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	return r, ok
}

type rcTx struct {
	s      *rcStore
	firmID uuid.UUID
	locked bool
	rev    int64
	own    map[uuid.UUID]model.SyncRecord
}

func (t *rcTx) AllocateRevision(context.Context) (int64, error) {
	if !t.locked {
		if !t.s.alloc.TryLock() {
			select {
			case t.s.contended <- struct{}{}:
			default:
			}
			t.s.alloc.Lock()
		}
		t.locked = true
		t.s.mu.Lock()
		t.rev = t.s.rev
		t.s.mu.Unlock()
	}
	t.rev++
	return t.rev, nil
}

func (t *rcTx) CurrentRevision(context.Context) (int64, error) {
	if t.locked {
		return t.rev, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.rev, nil
}

func (t *rcTx) lookup(id uuid.UUID) (model.SyncRecord, bool) {
	if r, ok := t.own[id]; ok {
		return r, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.recs[id]
	return r, ok
}

func (t *rcTx) Get(_ context.Context, id uuid.UUID) (*model.SyncRecord, error) {
	r, ok := t.lookup(id)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (t *rcTx) Upsert(_ context.Context, w model.SyncRecordWrite) error {
	now := time.Now()
	r, ok := t.lookup(w.RecordID)
	if !ok {
		r = model.SyncRecord{FirmID: t.firmID, RecordID: w.RecordID, Table: w.Table, CreatedRevision: w.Revision, CreatedAt: now, CreatedByDevice: w.ByDevice}
	}
	r.Payload, r.Deleted, r.Revision, r.UpdatedAt, r.UpdatedByDevice = w.Payload, w.Deleted, w.Revision, now, w.ByDevice
	t.own[w.RecordID] = r
	return nil
}

func (t *rcTx) ChangesSince(_ context.Context, cursor, upper int64) ([]model.SyncRecord, error) {
	t.s.mu.Lock()
	merged := make(map[uuid.UUID]model.SyncRecord, len(t.s.recs)+len(t.own))
	for k, v := range t.s.recs {
		merged[k] = v
	}
	t.s.mu.Unlock()
	for k, v := range t.own {
		merged[k] = v
	}
	var out []model.SyncRecord
	for _, r := range merged {
		if r.Revision > cursor && r.Revision <= upper {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}
