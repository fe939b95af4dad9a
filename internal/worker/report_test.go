package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hotplugd/internal/worker"
)

func TestReportKindPrecedence(t *testing.T) {
	cases := []struct {
		report worker.Report
		want   worker.Kind
	}{
		{worker.Report{Done: true}, worker.KindDone},
		{worker.Report{}, worker.KindDone},
		{worker.Report{TryAgain: true, Done: true}, worker.KindTryAgain},
		{worker.Report{WatchRemove: true, TryAgain: true}, worker.KindWatchRemove},
		{worker.Report{WatchAdd: true, WatchRemove: true, TryAgain: true}, worker.KindWatchAdd},
	}
	for _, tc := range cases {
		if got := tc.report.Kind(); got != tc.want {
			t.Fatalf("%#v: got %v want %v", tc.report, got, tc.want)
		}
	}
}

func TestParseReport(t *testing.T) {
	r, err := worker.ParseReport([]byte("TRY_AGAIN=1\nIGNORED=yes\n"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if !r.TryAgain || r.Done {
		t.Fatalf("unexpected report %#v", r)
	}

	if _, err := worker.ParseReport([]byte("HELLO=1")); !errors.Is(err, worker.ErrInvalidReport) {
		t.Fatalf("expected ErrInvalidReport, got %v", err)
	}

	encoded := worker.Report{WatchAdd: true, Done: true}.Encode()
	back, err := worker.ParseReport(encoded)
	if err != nil {
		t.Fatalf("ParseReport(Encode): %v", err)
	}
	if !back.WatchAdd || !back.Done {
		t.Fatalf("encoding lost keys: %q -> %#v", encoded, back)
	}
	if string(worker.Report{}.Encode()) != "DONE=1\n" {
		t.Fatalf("empty report should encode as done, got %q", worker.Report{}.Encode())
	}
}

func TestNotifyListenerCarriesSenderPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify")
	listener, err := worker.ListenNotify(path)
	if err != nil {
		t.Fatalf("ListenNotify: %v", err)
	}
	defer listener.Close()

	notifier, err := worker.DialNotify(path)
	if err != nil {
		t.Fatalf("DialNotify: %v", err)
	}
	defer notifier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan worker.Message, 1)
	served := make(chan error, 1)
	go func() {
		served <- listener.Serve(ctx, nil, func(m worker.Message) {
			got <- m
			cancel()
		})
	}()

	if err := notifier.Notify(worker.Report{TryAgain: true}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case msg := <-got:
		if msg.PID != os.Getpid() || !msg.Report.TryAgain {
			t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
