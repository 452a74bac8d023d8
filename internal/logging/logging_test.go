package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return New(slog.NewJSONHandler(buf, nil))
}

func TestSafeGoRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger(&buf)

	done := make(chan struct{})
	var gotRecovered any
	SafeGo(logger, "test-component", func() {
		defer close(done)
		panic("boom")
	}, func(recovered any, stack []byte) {
		gotRecovered = recovered
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine never completed")
	}

	if gotRecovered != "boom" {
		t.Errorf("onPanic recovered = %v, want \"boom\"", gotRecovered)
	}
	if !strings.Contains(buf.String(), "test-component") {
		t.Errorf("log output missing component name: %s", buf.String())
	}
}

func TestSafeGoNoPanicNoOnPanicCall(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger(&buf)

	done := make(chan struct{})
	called := false
	SafeGo(logger, "clean", func() {
		close(done)
	}, func(recovered any, stack []byte) {
		called = true
	})

	<-done
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Error("onPanic called despite no panic")
	}
}

func TestSafeGoErrSendsResult(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger(&buf)

	errCh := make(chan error, 1)
	SafeGoErr(logger, "worker", func() error {
		return errTest
	}, errCh)

	select {
	case err := <-errCh:
		if err != errTest {
			t.Errorf("errCh got %v, want %v", err, errTest)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("errCh never received")
	}
}

func TestSafeGoErrSendsPanicAsError(t *testing.T) {
	var buf bytes.Buffer
	logger := testLogger(&buf)

	errCh := make(chan error, 1)
	SafeGoErr(logger, "worker", func() error {
		panic("kaboom")
	}, errCh)

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "kaboom") {
			t.Errorf("errCh got %v, want error containing kaboom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("errCh never received")
	}
}

func TestRecoverToErrorConvertsPanic(t *testing.T) {
	err := RecoverToError(func() error {
		panic("nope")
	})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("RecoverToError() = %v, want error containing \"nope\"", err)
	}
}

func TestRecoverToErrorPassesThroughNormalError(t *testing.T) {
	err := RecoverToError(func() error {
		return errTest
	})
	if err != errTest {
		t.Errorf("RecoverToError() = %v, want %v", err, errTest)
	}
}

var errTest = testError("boom")

type testError string

func (e testError) Error() string { return string(e) }
