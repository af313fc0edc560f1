package kyc_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/kyc"
	"github.com/chimerakang/rideid-go/store"
)

func status(aadhaar, face, overall rideid.VerificationState) *rideid.KYCStatus {
	return &rideid.KYCStatus{Aadhaar: aadhaar, Face: face, Overall: overall}
}

func TestDeriveStep(t *testing.T) {
	v, p, n, r := rideid.Verified, rideid.InProgress, rideid.NotStarted, rideid.Rejected
	tests := []struct {
		name string
		st   *rideid.KYCStatus
		want kyc.Step
	}{
		{"no record", nil, kyc.StepStart},
		{"both verified", status(v, v, v), kyc.StepComplete},
		{"both verified, overall pending", status(v, v, p), kyc.StepComplete},
		{"aadhaar verified", status(v, n, p), kyc.StepFace},
		{"aadhaar verified, face rejected", status(v, r, p), kyc.StepFace},
		{"nothing verified", status(n, n, n), kyc.StepAadhaar},
		{"aadhaar in progress", status(p, n, p), kyc.StepAadhaar},
		{"aadhaar rejected", status(r, v, r), kyc.StepAadhaar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := kyc.DeriveStep(tt.st); got != tt.want {
				t.Errorf("DeriveStep() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	v, n := rideid.Verified, rideid.NotStarted
	steps := []*rideid.KYCStatus{nil, status(n, n, n), status(v, n, n), status(v, v, v)}
	want := []int{0, 0, 50, 100}
	prev := -1
	for i, st := range steps {
		got := kyc.Progress(st)
		if got != want[i] {
			t.Errorf("Progress(step %d) = %d, want %d", i, got, want[i])
		}
		if got < prev {
			t.Errorf("progress decreased from %d to %d", prev, got)
		}
		prev = got
	}
	if kyc.Progress(status(n, v, n)) != 50 {
		t.Error("face alone should be 50")
	}
}

func TestIsComplete(t *testing.T) {
	v, p := rideid.Verified, rideid.InProgress
	if !kyc.IsComplete(status(v, v, v)) {
		t.Error("all verified should be complete")
	}
	if kyc.IsComplete(status(v, v, p)) {
		t.Error("overall pending should not be complete")
	}
	if kyc.IsComplete(nil) {
		t.Error("nil should not be complete")
	}
}

func TestAadhaarHelpers(t *testing.T) {
	if err := kyc.ValidateAadhaar("12345678901"); !errors.Is(err, rideid.ErrValidation) {
		t.Errorf("11 digits: err = %v, want validation", err)
	}
	if err := kyc.ValidateAadhaar("12345678901a"); !errors.Is(err, rideid.ErrValidation) {
		t.Errorf("non-digit: err = %v, want validation", err)
	}
	if err := kyc.ValidateAadhaar("499118665246"); err != nil {
		t.Errorf("valid number: err = %v", err)
	}
	if got := kyc.MaskAadhaar("499118665246"); got != "XXXX XXXX 5246" {
		t.Errorf("MaskAadhaar() = %q", got)
	}
	if got := kyc.MaskAadhaar("123"); got != "123" {
		t.Errorf("MaskAadhaar(short) = %q", got)
	}
	if got := kyc.Last4("499118665246"); got != "5246" {
		t.Errorf("Last4() = %q", got)
	}
}

func jpeg(size int) rideid.FaceImage {
	data := make([]byte, size)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return rideid.FaceImage{Filename: "face.jpg", ContentType: "image/jpeg", Data: data}
}

func png() rideid.FaceImage {
	data := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	return rideid.FaceImage{Filename: "face.png", ContentType: "image/png", Data: data}
}

func TestValidateFaceImage(t *testing.T) {
	rules := kyc.DefaultImageRules()
	tests := []struct {
		name    string
		img     rideid.FaceImage
		wantErr bool
	}{
		{"2MB jpeg", jpeg(2 * 1024 * 1024), false},
		{"png", png(), false},
		{"jpg alias", rideid.FaceImage{ContentType: "image/jpg", Data: jpeg(1024).Data}, false},
		{"6MB jpeg", jpeg(6 * 1024 * 1024), true},
		{"empty", rideid.FaceImage{ContentType: "image/jpeg"}, true},
		{"gif declared", rideid.FaceImage{ContentType: "image/gif", Data: []byte("GIF89a....")}, true},
		{"jpeg declared, text content", rideid.FaceImage{ContentType: "image/jpeg", Data: []byte("hello world")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := kyc.ValidateFaceImage(tt.img, rules)
			if tt.wantErr && !errors.Is(err, rideid.ErrValidation) {
				t.Errorf("err = %v, want validation", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}

// mockBackend implements rideid.KYCBackend, advancing like the real backend.
type mockBackend struct {
	mu          sync.Mutex
	status      *rideid.KYCStatus
	startErr    error
	statusErr   error
	lastLast4   string
	aadhaarCall int
	faceCalls   int
	// onStatus runs after each status read, outside the lock.
	onStatus func()
}

func (b *mockBackend) StartKYC(ctx context.Context) (*rideid.KYCStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.status = status(rideid.NotStarted, rideid.NotStarted, rideid.InProgress)
	cp := *b.status
	return &cp, nil
}

func (b *mockBackend) SubmitAadhaar(ctx context.Context, last4 string) (*rideid.AadhaarResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aadhaarCall++
	b.lastLast4 = last4
	b.status = status(rideid.Verified, rideid.NotStarted, rideid.InProgress)
	return &rideid.AadhaarResult{AadhaarStatus: rideid.Verified}, nil
}

func (b *mockBackend) SubmitFace(ctx context.Context, img rideid.FaceImage) (*rideid.KYCStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faceCalls++
	b.status = status(rideid.Verified, rideid.Verified, rideid.Verified)
	cp := *b.status
	return &cp, nil
}

func (b *mockBackend) KYCStatus(ctx context.Context) (*rideid.KYCStatus, error) {
	if b.onStatus != nil {
		defer b.onStatus()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return nil, b.statusErr
	}
	if b.status == nil {
		return nil, rideid.FromHTTP(http.StatusNotFound, []byte(`{"message":"KYC record not found"}`))
	}
	cp := *b.status
	return &cp, nil
}

// mockSession implements kyc.UserSession.
type mockSession struct {
	mu    sync.Mutex
	user  *rideid.User
	store rideid.CredentialStore
}

func (s *mockSession) setUser(u *rideid.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *mockSession) CacheKYCStatus(ctx context.Context, userID string, st rideid.VerificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil || s.user.ID != userID {
		return nil
	}
	return s.store.SetKYCStatus(ctx, st)
}

func (s *mockSession) User() *rideid.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	cp := *s.user
	return &cp
}

func (s *mockSession) UpdateUser(ctx context.Context, p rideid.UserPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil {
		merged := s.user.Merge(p)
		s.user = &merged
	}
	return nil
}

type fixture struct {
	machine *kyc.Machine
	backend *mockBackend
	session *mockSession
	store   *store.Memory
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: &mockBackend{},
		store:   store.NewMemory(),
	}
	f.session = &mockSession{user: &rideid.User{ID: "u1", KYCStatus: rideid.NotStarted}, store: f.store}
	client, err := rideid.NewClient(rideid.Config{APIBaseURL: "http://api.test"},
		rideid.WithCredentialStore(f.store),
		rideid.WithKYCBackend(f.backend),
	)
	if err != nil {
		t.Fatal(err)
	}
	f.machine, err = kyc.New(client, f.session)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLoad_NotFoundIsStepOne(t *testing.T) {
	f := setup(t)
	if err := f.machine.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	snap := f.machine.Snapshot()
	if snap.Step != kyc.StepStart || snap.Status != nil || snap.Error != "" || snap.Loading {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.IsNotStarted {
		t.Error("IsNotStarted should be true")
	}
}

func TestLoad_ServerErrorSetsError(t *testing.T) {
	f := setup(t)
	f.backend.statusErr = rideid.FromHTTP(http.StatusInternalServerError, []byte(`{"message":"boom"}`))
	if err := f.machine.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := f.machine.Snapshot().Error; got != "boom" {
		t.Errorf("error = %q", got)
	}
}

func TestStartVerification(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.machine.StartVerification(ctx); err != nil {
		t.Fatal(err)
	}
	if f.machine.Step() != kyc.StepAadhaar {
		t.Errorf("step = %v, want aadhaar", f.machine.Step())
	}
	if f.session.User().KYCStatus != rideid.InProgress {
		t.Errorf("user kyc = %q, want IN_PROGRESS", f.session.User().KYCStatus)
	}
	if s, _ := f.store.KYCStatus(ctx); s != rideid.InProgress {
		t.Errorf("cached kyc = %q", s)
	}
	if !f.machine.Snapshot().IsInProgress {
		t.Error("IsInProgress should be true")
	}
}

func TestCheckStatus_SessionChangedSkipsCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backend.status = status(rideid.Verified, rideid.Verified, rideid.Verified)
	f.backend.onStatus = func() { f.session.setUser(&rideid.User{ID: "u2"}) }

	if _, err := f.machine.CheckStatus(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.store.KYCStatus(ctx); s != "" {
		t.Errorf("cached kyc = %q, want empty after the session changed", s)
	}
}

func TestCheckStatus_SignedOutSkipsCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backend.status = status(rideid.Verified, rideid.NotStarted, rideid.InProgress)
	f.backend.onStatus = func() { f.session.setUser(nil) }

	if _, err := f.machine.CheckStatus(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.store.KYCStatus(ctx); s != "" {
		t.Errorf("cached kyc = %q, want empty after sign-out", s)
	}
}

func TestStartVerification_FailureLeavesState(t *testing.T) {
	f := setup(t)
	f.backend.startErr = rideid.FromHTTP(http.StatusConflict, []byte(`{"message":"KYC already started"}`))

	_, err := f.machine.StartVerification(context.Background())
	if !errors.Is(err, rideid.ErrKYCStart) {
		t.Fatalf("err = %v, want kyc start error", err)
	}
	if rideid.StatusOf(err) != http.StatusConflict {
		t.Errorf("status = %d", rideid.StatusOf(err))
	}
	if f.machine.Step() != kyc.StepStart {
		t.Errorf("step = %v, want start", f.machine.Step())
	}
	if f.session.User().KYCStatus != rideid.NotStarted {
		t.Error("user should be untouched")
	}
	if f.machine.Snapshot().Error != "KYC already started" {
		t.Errorf("error = %q", f.machine.Snapshot().Error)
	}
}

func TestSubmitAadhaar_RejectsBeforeNetwork(t *testing.T) {
	f := setup(t)
	_, err := f.machine.SubmitAadhaar(context.Background(), "12345678901")
	if !errors.Is(err, rideid.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if f.backend.aadhaarCall != 0 {
		t.Error("backend should not be called")
	}
	if f.machine.Snapshot().Error == "" {
		t.Error("validation message should be mirrored")
	}
}

func TestSubmitAadhaar_SendsLast4(t *testing.T) {
	f := setup(t)
	if _, err := f.machine.SubmitAadhaar(context.Background(), "499118665246"); err != nil {
		t.Fatal(err)
	}
	if f.backend.lastLast4 != "5246" {
		t.Errorf("backend received %q, want 5246", f.backend.lastLast4)
	}
}

func TestSubmitFace_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.machine.SubmitFace(ctx, jpeg(6*1024*1024)); !errors.Is(err, rideid.ErrValidation) {
		t.Fatalf("6MB: err = %v, want validation", err)
	}
	if f.backend.faceCalls != 0 {
		t.Fatal("oversized image reached the backend")
	}

	if _, err := f.machine.SubmitFace(ctx, jpeg(2*1024*1024)); err != nil {
		t.Fatalf("2MB: err = %v", err)
	}
	if f.backend.faceCalls != 1 {
		t.Errorf("face calls = %d, want 1", f.backend.faceCalls)
	}
}

func TestOptimisticStatusOverwrittenByFetch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.machine.StartVerification(ctx); err != nil {
		t.Fatal(err)
	}
	// The backend already holds a verified Aadhaar from an earlier session.
	f.backend.status = status(rideid.Verified, rideid.NotStarted, rideid.InProgress)

	if _, err := f.machine.CheckStatus(ctx); err != nil {
		t.Fatal(err)
	}
	if f.machine.Step() != kyc.StepFace {
		t.Errorf("step = %v, want face", f.machine.Step())
	}
}

func TestEndToEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.machine.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.SubmitAadhaar(ctx, "499118665246"); err != nil {
		t.Fatal(err)
	}
	snap := f.machine.Snapshot()
	if snap.Status == nil || snap.Status.Aadhaar != rideid.Verified || snap.Status.Face != rideid.NotStarted {
		t.Fatalf("status after aadhaar = %+v", snap.Status)
	}
	if snap.Step != kyc.StepFace || snap.Progress != 50 || !snap.IsAadhaarVerified {
		t.Errorf("after aadhaar: step=%v progress=%d", snap.Step, snap.Progress)
	}

	if _, err := f.machine.SubmitFace(ctx, jpeg(2*1024*1024)); err != nil {
		t.Fatal(err)
	}
	snap = f.machine.Snapshot()
	if snap.Step != kyc.StepComplete || snap.Progress != 100 || !snap.IsVerified {
		t.Errorf("after face: %+v", snap)
	}
	if f.session.User().KYCStatus != rideid.Verified {
		t.Errorf("user kyc = %q, want VERIFIED", f.session.User().KYCStatus)
	}
	if s, _ := f.store.KYCStatus(ctx); s != rideid.Verified {
		t.Errorf("cached kyc = %q", s)
	}
}

func TestReset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.machine.SubmitAadhaar(ctx, "499118665246"); err != nil {
		t.Fatal(err)
	}
	calls := f.backend.aadhaarCall

	f.machine.Reset()

	snap := f.machine.Snapshot()
	if snap.Step != kyc.StepStart || snap.Progress != 0 || snap.Status != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if f.backend.aadhaarCall != calls {
		t.Error("reset should not call the backend")
	}
}

func TestSubscribe(t *testing.T) {
	f := setup(t)
	var mu sync.Mutex
	var steps []kyc.Step
	unsubscribe := f.machine.Subscribe(func(s kyc.Snapshot) {
		mu.Lock()
		steps = append(steps, s.Step)
		mu.Unlock()
	})
	defer unsubscribe()

	if _, err := f.machine.SubmitAadhaar(context.Background(), "499118665246"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(steps) == 0 || steps[len(steps)-1] != kyc.StepFace {
		t.Errorf("steps = %v", steps)
	}
}

type fakeCamera struct {
	openErr, captureErr, closeErr error
	opened, closed                int
}

func (c *fakeCamera) Open(ctx context.Context) error {
	c.opened++
	return c.openErr
}

func (c *fakeCamera) Capture(ctx context.Context) (rideid.FaceImage, error) {
	if c.captureErr != nil {
		return rideid.FaceImage{}, c.captureErr
	}
	return jpeg(1024), nil
}

func (c *fakeCamera) Close() error {
	c.closed++
	return c.closeErr
}

func TestCapture_ReleasesCamera(t *testing.T) {
	ctx := context.Background()

	cam := &fakeCamera{}
	img, err := kyc.Capture(ctx, cam)
	if err != nil || img.Size() != 1024 {
		t.Fatalf("Capture() = %d bytes, %v", img.Size(), err)
	}
	// Retake.
	if _, err := kyc.Capture(ctx, cam); err != nil {
		t.Fatal(err)
	}
	if cam.opened != 2 || cam.closed != 2 {
		t.Errorf("opened=%d closed=%d, want 2/2", cam.opened, cam.closed)
	}

	failing := &fakeCamera{captureErr: errors.New("no frame")}
	if _, err := kyc.Capture(ctx, failing); err == nil {
		t.Fatal("expected capture error")
	}
	if failing.closed != 1 {
		t.Error("camera not released after capture error")
	}

	closeFails := &fakeCamera{closeErr: errors.New("busy")}
	if _, err := kyc.Capture(ctx, closeFails); err == nil {
		t.Error("close error should surface")
	}

	noOpen := &fakeCamera{openErr: errors.New("denied")}
	if _, err := kyc.Capture(ctx, noOpen); err == nil {
		t.Fatal("expected open error")
	}
	if noOpen.closed != 0 {
		t.Error("camera that failed to open should not be closed")
	}
}
