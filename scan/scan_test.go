package scan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hazyhaar/uploadguard/profile"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

type fakeScanner struct {
	name    string
	verdict Verdict
	err     error
	calls   int
}

func (f *fakeScanner) Name() string { return f.name }
func (f *fakeScanner) Scan(ctx context.Context, path string) (Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func newTestCoordinator(entries []Entry) *Coordinator {
	co := NewCoordinator(entries, slog.New(slog.NewTextHandler(io.Discard, nil)))
	co.RetryBackoff = 0
	return co
}

func TestCoordinatorRun_Disabled(t *testing.T) {
	av := &fakeScanner{name: "clamav", verdict: Verdict{Clean: true}}
	co := newTestCoordinator([]Entry{{Scanner: av, Required: Mandatory}})

	if err := co.Run(context.Background(), profile.ScanDisabled, "/tmp/whatever"); err != nil {
		t.Fatalf("disabled scan mode should skip scanning: %v", err)
	}
	if av.calls != 0 {
		t.Fatalf("scanner should not have been called, got %d calls", av.calls)
	}
}

func TestCoordinatorRun_CleanPasses(t *testing.T) {
	av := &fakeScanner{name: "clamav", verdict: Verdict{Clean: true}}
	yara := &fakeScanner{name: "yara", verdict: Verdict{Clean: true}}
	co := newTestCoordinator([]Entry{
		{Scanner: av, Required: Mandatory},
		{Scanner: yara, Required: Mandatory},
	})

	if err := co.Run(context.Background(), profile.ScanRequired, "/tmp/file"); err != nil {
		t.Fatalf("clean verdicts should pass: %v", err)
	}
	if av.calls != 1 || yara.calls != 1 {
		t.Fatalf("expected one call per scanner, got av=%d yara=%d", av.calls, yara.calls)
	}
}

func TestCoordinatorRun_InfectedIsFatal(t *testing.T) {
	av := &fakeScanner{name: "clamav", verdict: Verdict{Clean: false, Signatures: []string{"Eicar-Test-Signature"}}}
	co := newTestCoordinator([]Entry{{Scanner: av, Required: Mandatory}})

	err := co.Run(context.Background(), profile.ScanRequired, "/tmp/file")
	var virusErr *uploaderr.VirusDetected
	if !errors.As(err, &virusErr) {
		t.Fatalf("expected VirusDetected, got %v", err)
	}
}

func TestCoordinatorRun_RequiredScannerFailureIsFatal(t *testing.T) {
	av := &fakeScanner{name: "clamav", err: &uploaderr.ScanFailed{Scanner: "clamav", Cause: errors.New("connect refused")}}
	co := newTestCoordinator([]Entry{{Scanner: av, Required: Mandatory}})

	err := co.Run(context.Background(), profile.ScanRequired, "/tmp/file")
	var failed *uploaderr.ScanFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected ScanFailed for a mandatory scanner, got %v", err)
	}
}

func TestCoordinatorRun_OptionalScannerFailureIsAdvisory(t *testing.T) {
	av := &fakeScanner{name: "yara", err: &uploaderr.ScanFailed{Scanner: "yara", Cause: errors.New("binary missing")}}
	co := newTestCoordinator([]Entry{{Scanner: av, Required: Advisory}})

	if err := co.Run(context.Background(), profile.ScanOptional, "/tmp/file"); err != nil {
		t.Fatalf("optional scanner failure under ScanOptional should be advisory, got %v", err)
	}
}

func TestCoordinatorRun_OptionalScannerFailureStillFatalUnderScanRequired(t *testing.T) {
	av := &fakeScanner{name: "yara", err: &uploaderr.ScanFailed{Scanner: "yara", Cause: errors.New("binary missing")}}
	co := newTestCoordinator([]Entry{{Scanner: av, Required: Advisory}})

	err := co.Run(context.Background(), profile.ScanRequired, "/tmp/file")
	var failed *uploaderr.ScanFailed
	if !errors.As(err, &failed) {
		t.Fatalf("ScanRequired profile mode should make every scanner failure fatal, got %v", err)
	}
}
