package postprocess_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uploadguard/dbopen"
	"github.com/hazyhaar/uploadguard/postprocess"
	"github.com/hazyhaar/uploadguard/vtq"
	"github.com/hazyhaar/uploadguard/webhook"
)

type stubResolver struct {
	current, first string
	ok             bool
}

func (r stubResolver) CurrentTenant(ctx context.Context, ownerID string) (string, bool, error) {
	return r.current, r.ok, nil
}
func (r stubResolver) FirstTenant(ctx context.Context, ownerID string) (string, bool, error) {
	return r.first, r.ok, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Dispatch(ctx context.Context, typ string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, typ)
	return nil
}

type stubGenerator struct {
	mu   sync.Mutex
	err  error
	seen []string
}

func (g *stubGenerator) GenerateConversions(ctx context.Context, mediaID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, mediaID)
	return g.err
}

func newCoordinator(t *testing.T, resolver postprocess.TenantResolver, sender webhook.Sender) (*postprocess.Coordinator, *vtq.Q) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(postprocess.Schema))
	q := vtq.New(db, vtq.Options{Visibility: time.Minute})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return postprocess.New(db, q, resolver, sender), q
}

func TestHandleEvent_EnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	c, q := newCoordinator(t, nil, &recordingSender{})

	ev := postprocess.Event{OwnerID: "u1", MediaID: "m1", UploadUUID: "uu1", Version: "v1", CustomPropTenantID: "t1"}
	if err := c.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	// A second event for the same owner before the job runs must not enqueue
	// a duplicate.
	ev2 := postprocess.Event{OwnerID: "u1", MediaID: "m2", UploadUUID: "uu2", Version: "v2", CustomPropTenantID: "t1"}
	if err := c.HandleEvent(ctx, ev2); err != nil {
		t.Fatal(err)
	}
	n, err = q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue length after second event = %d, want 1 (coalesced)", n)
	}
}

func TestHandleEvent_DropsWithoutResolvableTenant(t *testing.T) {
	ctx := context.Background()
	c, q := newCoordinator(t, stubResolver{ok: false}, &recordingSender{})

	ev := postprocess.Event{OwnerID: "u1", MediaID: "m1", UploadUUID: "uu1"}
	if err := c.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("queue length = %d, want 0 when tenant cannot be resolved", n)
	}
}

func TestHandleEvent_ResolverChain(t *testing.T) {
	ctx := context.Background()
	resolver := stubResolver{current: "tenant-a", ok: true}
	c, _ := newCoordinator(t, resolver, &recordingSender{})

	ev := postprocess.Event{OwnerID: "u1", MediaID: "m1", UploadUUID: "uu1"}
	if err := c.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	status, err := c.Status(ctx, "uu1")
	if err != nil {
		t.Fatal(err)
	}
	if status != postprocess.StatusProcessing {
		t.Fatalf("status = %v, want processing", status)
	}
}

func TestExecuteJob_CompletesAndDispatches(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	c, q := newCoordinator(t, nil, sender)

	ev := postprocess.Event{OwnerID: "u1", MediaID: "m1", UploadUUID: "uu1", CustomPropTenantID: "t1"}
	if err := c.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a claimable job")
	}

	gen := &stubGenerator{}
	if err := c.ExecuteJob(ctx, job, gen); err != nil {
		t.Fatal(err)
	}

	if len(gen.seen) != 1 || gen.seen[0] != "m1" {
		t.Fatalf("generator saw %v, want [m1]", gen.seen)
	}

	status, err := c.Status(ctx, "uu1")
	if err != nil {
		t.Fatal(err)
	}
	if status != postprocess.StatusCompleted {
		t.Fatalf("status = %v, want completed", status)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "media.processed" {
		t.Fatalf("sent = %v, want one media.processed dispatch", sender.sent)
	}
}

func TestExecuteJob_MarksFailedOnGeneratorError(t *testing.T) {
	ctx := context.Background()
	c, q := newCoordinator(t, nil, &recordingSender{})

	ev := postprocess.Event{OwnerID: "u1", MediaID: "m1", UploadUUID: "uu1", CustomPropTenantID: "t1"}
	if err := c.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}

	gen := &stubGenerator{err: fmt.Errorf("conversion boom")}
	if err := c.ExecuteJob(ctx, job, gen); err == nil {
		t.Fatal("expected error from failing generator")
	}

	status, err := c.Status(ctx, "uu1")
	if err != nil {
		t.Fatal(err)
	}
	if status != postprocess.StatusFailed {
		t.Fatalf("status = %v, want failed", status)
	}
}

func TestStatus_SupersededWhenNewerUploadArrives(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, nil, &recordingSender{})

	if err := c.RememberLatest(ctx, "t1", "u1", "m1", "uu1", "v1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := c.RememberLatest(ctx, "t1", "u1", "m2", "uu2", "v2"); err != nil {
		t.Fatal(err)
	}

	status, err := c.Status(ctx, "uu1")
	if err != nil {
		t.Fatal(err)
	}
	if status != postprocess.StatusSuperseded {
		t.Fatalf("status = %v, want superseded", status)
	}

	status2, err := c.Status(ctx, "uu2")
	if err != nil {
		t.Fatal(err)
	}
	if status2 != postprocess.StatusProcessing {
		t.Fatalf("status(uu2) = %v, want processing", status2)
	}
}

func TestStatus_UnknownUploadUUID(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, nil, &recordingSender{})

	if _, err := c.Status(ctx, "nonexistent"); err == nil {
		t.Fatal("expected error for unknown upload uuid")
	}
}
