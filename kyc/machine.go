package kyc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/audit"
	"github.com/chimerakang/rideid-go/metrics"
)

// UserSession is the part of the auth session manager the machine writes through.
// *session.Manager implements it.
type UserSession interface {
	User() *rideid.User
	UpdateUser(ctx context.Context, p rideid.UserPatch) error
	// CacheKYCStatus stores s only while userID still owns the session.
	CacheKYCStatus(ctx context.Context, userID string, s rideid.VerificationState) error
}

// Snapshot is a consistent copy of the machine state.
type Snapshot struct {
	Status   *rideid.KYCStatus
	Step     Step
	Progress int
	Loading  bool
	Error    string

	IsAadhaarVerified bool
	IsFaceVerified    bool
	IsVerified        bool
	// IsInProgress and IsNotStarted read the user record, not the fetched status.
	IsInProgress bool
	IsNotStarted bool
}

// Machine is the KYC state machine. The backend status is the source of truth;
// local optimistic updates are overwritten by the next fetch.
type Machine struct {
	backend rideid.KYCBackend
	session UserSession
	rules   ImageRules
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger

	mu       sync.Mutex
	status   *rideid.KYCStatus
	step     Step
	progress int
	loading  int
	lastErr  string
	subs     map[int]func(Snapshot)
	nextSub  int
}

// Option configures the Machine.
type Option func(*Machine)

// WithMetrics records KYC submissions and the current step.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Machine) { k.metrics = m }
}

// WithAudit emits KYC events.
func WithAudit(a *audit.Logger) Option {
	return func(k *Machine) { k.audit = a }
}

// New creates a Machine from the client's KYC backend. The cached status is
// written through session.
func New(client *rideid.Client, session UserSession, opts ...Option) (*Machine, error) {
	if client.KYC() == nil {
		return nil, errors.New("rideid/kyc: client needs a KYC backend")
	}
	if session == nil {
		return nil, errors.New("rideid/kyc: session is required")
	}
	cfg := client.Config()
	k := &Machine{
		backend: client.KYC(),
		session: session,
		rules:   ImageRules{MaxBytes: cfg.MaxFaceImageBytes, AllowedTypes: cfg.AllowedImageTypes},
		logger:  client.Logger(),
		step:    StepStart,
		subs:    make(map[int]func(Snapshot)),
	}
	if k.rules.MaxBytes == 0 || len(k.rules.AllowedTypes) == 0 {
		k.rules = DefaultImageRules()
	}
	for _, o := range opts {
		o(k)
	}
	return k, nil
}

// Load fetches the status for the signed-in user. A missing record is step 1, not an error.
func (k *Machine) Load(ctx context.Context) error {
	if k.session.User() == nil {
		return nil
	}
	k.startLoading()
	defer k.stopLoading()

	if _, err := k.fetch(ctx); err != nil {
		k.setError(err)
		return err
	}
	return nil
}

// StartVerification starts the workflow, marks the user IN_PROGRESS and moves to step 2.
// On failure the state is unchanged and the error has KindKYCStart.
func (k *Machine) StartVerification(ctx context.Context) (*rideid.KYCStatus, error) {
	owner := k.owner()
	k.begin()
	defer k.stopLoading()

	st, err := k.backend.StartKYC(ctx)
	k.metrics.RecordKYCSubmission("start", audit.Outcome(err))
	k.emit(ctx, audit.ActionKYCStart, err)
	if err != nil {
		serr := startError(err)
		k.setError(serr)
		return nil, serr
	}

	if err := k.session.UpdateUser(ctx, rideid.KYCStatusPatch(rideid.InProgress)); err != nil {
		k.logger.Warn("mark user kyc in progress", "err", err)
	}
	k.persist(ctx, owner, rideid.InProgress)

	k.mu.Lock()
	k.step = StepAadhaar
	k.mu.Unlock()
	k.metrics.SetKYCStep(int(StepAadhaar))
	return st, nil
}

// SubmitAadhaar validates number locally, sends its last four digits, then re-fetches the status.
func (k *Machine) SubmitAadhaar(ctx context.Context, number string) (*rideid.AadhaarResult, error) {
	if err := ValidateAadhaar(number); err != nil {
		k.setError(err)
		return nil, err
	}
	k.begin()
	defer k.stopLoading()

	res, err := k.backend.SubmitAadhaar(ctx, Last4(number))
	k.metrics.RecordKYCSubmission("aadhaar", audit.Outcome(err))
	k.emit(ctx, audit.ActionKYCAadhaar, err)
	if err != nil {
		k.setError(err)
		return nil, err
	}

	if _, err := k.fetch(ctx); err != nil {
		k.setError(err)
		return nil, err
	}
	return res, nil
}

// SubmitFace validates img locally, uploads it, then re-fetches the status.
// A fully verified status moves to step 4 and marks the user VERIFIED.
func (k *Machine) SubmitFace(ctx context.Context, img rideid.FaceImage) (*rideid.KYCStatus, error) {
	if err := ValidateFaceImage(img, k.rules); err != nil {
		k.setError(err)
		return nil, err
	}
	k.begin()
	defer k.stopLoading()

	res, err := k.backend.SubmitFace(ctx, img)
	k.metrics.RecordKYCSubmission("face", audit.Outcome(err))
	k.emit(ctx, audit.ActionKYCFace, err)
	if err != nil {
		k.setError(err)
		return nil, err
	}

	st, err := k.fetch(ctx)
	if err != nil {
		k.setError(err)
		return nil, err
	}
	if IsComplete(st) {
		k.mu.Lock()
		k.step = StepComplete
		k.progress = 100
		k.mu.Unlock()
		k.metrics.SetKYCStep(int(StepComplete))
	}
	return res, nil
}

// CheckStatus re-fetches the status, mirroring failures into the error state.
func (k *Machine) CheckStatus(ctx context.Context) (*rideid.KYCStatus, error) {
	k.begin()
	defer k.stopLoading()

	st, err := k.fetch(ctx)
	if err != nil {
		k.setError(err)
		return nil, err
	}
	return st, nil
}

// RefreshStatus re-fetches the status without touching the loading or error state.
func (k *Machine) RefreshStatus(ctx context.Context) (*rideid.KYCStatus, error) {
	return k.fetch(ctx)
}

// Reset returns to step 1 locally. No network call is made.
func (k *Machine) Reset() {
	k.mu.Lock()
	k.status = nil
	k.step = StepStart
	k.progress = 0
	k.lastErr = ""
	k.mu.Unlock()
	k.metrics.SetKYCStep(int(StepStart))
	k.notify()
}

// ClearError clears the last error message.
func (k *Machine) ClearError() {
	k.mu.Lock()
	k.lastErr = ""
	k.mu.Unlock()
	k.notify()
}

// Step returns the current step.
func (k *Machine) Step() Step {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.step
}

// Snapshot returns the current state.
func (k *Machine) Snapshot() Snapshot {
	u := k.session.User()
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshotLocked(u)
}

// Subscribe registers fn to receive a Snapshot after every state change.
func (k *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	k.mu.Lock()
	id := k.nextSub
	k.nextSub++
	k.subs[id] = fn
	k.mu.Unlock()
	return func() {
		k.mu.Lock()
		delete(k.subs, id)
		k.mu.Unlock()
	}
}

// fetch loads the authoritative status and recomputes step and progress.
// Newly detected completion is propagated to the user record.
func (k *Machine) fetch(ctx context.Context) (*rideid.KYCStatus, error) {
	owner := k.owner()
	st, err := k.backend.KYCStatus(ctx)
	k.metrics.RecordKYCSubmission("status", audit.Outcome(err))
	if err != nil {
		if !rideid.IsNotFound(err) {
			return nil, err
		}
		st = nil
	}

	step := DeriveStep(st)
	k.mu.Lock()
	k.status = st
	k.step = step
	k.progress = Progress(st)
	k.mu.Unlock()
	k.metrics.SetKYCStep(int(step))

	if st == nil {
		k.notify()
		return nil, nil
	}
	k.persist(ctx, owner, st.Overall)

	if IsComplete(st) {
		if u := k.session.User(); u != nil && u.KYCStatus != rideid.Verified {
			if err := k.session.UpdateUser(ctx, rideid.KYCStatusPatch(rideid.Verified)); err != nil {
				k.logger.Warn("mark user kyc verified", "err", err)
			}
			k.emit(ctx, audit.ActionKYCComplete, nil)
		}
	}
	k.notify()
	out := *st
	return &out, nil
}

// persist caches s for owner, the user signed in when the operation started.
func (k *Machine) persist(ctx context.Context, owner string, s rideid.VerificationState) {
	if owner == "" || s == "" {
		return
	}
	if err := k.session.CacheKYCStatus(ctx, owner, s); err != nil {
		k.logger.Warn("persist kyc status", "err", err)
	}
}

func (k *Machine) owner() string {
	if u := k.session.User(); u != nil {
		return u.ID
	}
	return ""
}

func (k *Machine) emit(ctx context.Context, action string, err error) {
	var userID string
	if u := k.session.User(); u != nil {
		userID = u.ID
	}
	k.audit.Emit(ctx, audit.Event{
		Action: action,
		UserID: userID,
		Result: audit.Outcome(err),
		Error:  rideid.MessageOf(err),
	})
}

func startError(err error) *rideid.Error {
	msg := "Failed to start KYC"
	var e *rideid.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	return &rideid.Error{Kind: rideid.KindKYCStart, Status: rideid.StatusOf(err), Message: msg, Err: err}
}

func (k *Machine) begin() {
	k.mu.Lock()
	k.loading++
	k.lastErr = ""
	k.mu.Unlock()
	k.notify()
}

func (k *Machine) startLoading() {
	k.mu.Lock()
	k.loading++
	k.mu.Unlock()
	k.notify()
}

func (k *Machine) stopLoading() {
	k.mu.Lock()
	if k.loading > 0 {
		k.loading--
	}
	k.mu.Unlock()
	k.notify()
}

func (k *Machine) setError(err error) {
	k.mu.Lock()
	k.lastErr = rideid.MessageOf(err)
	k.mu.Unlock()
	k.notify()
}

func (k *Machine) snapshotLocked(u *rideid.User) Snapshot {
	var st *rideid.KYCStatus
	if k.status != nil {
		cp := *k.status
		st = &cp
	}
	snap := Snapshot{
		Status:            st,
		Step:              k.step,
		Progress:          k.progress,
		Loading:           k.loading > 0,
		Error:             k.lastErr,
		IsAadhaarVerified: st != nil && st.Aadhaar == rideid.Verified,
		IsFaceVerified:    st != nil && st.Face == rideid.Verified,
		IsVerified:        IsComplete(st),
		IsNotStarted:      true,
	}
	if u != nil {
		snap.IsInProgress = u.KYCStatus == rideid.InProgress
		snap.IsNotStarted = u.KYCStatus == "" || u.KYCStatus == rideid.NotStarted
	}
	return snap
}

func (k *Machine) notify() {
	u := k.session.User()
	k.mu.Lock()
	snap := k.snapshotLocked(u)
	subs := make([]func(Snapshot), 0, len(k.subs))
	for _, fn := range k.subs {
		subs = append(subs, fn)
	}
	k.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
