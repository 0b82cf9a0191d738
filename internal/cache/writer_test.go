package cache

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sirupsen/logrus"
)

type blockingStore struct {
	Store
	release chan struct{}
	puts    atomic.Int32
	err     error
}

func (s *blockingStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	<-s.release
	s.puts.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.Store.Put(ctx, locator, body, opts)
}

func TestBackgroundWriterDoesNotBlockCaller(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := &blockingStore{Store: newTestStore(t), release: make(chan struct{})}
	writer := NewBackgroundWriter(slow, quietLogger())

	done := make(chan struct{})
	go func() {
		writer.Submit(Locator{Region: "flutter-app-cache", Key: "a.js"}, []byte("a"), PutOptions{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Submit must return before the slow write completes")
	}

	close(slow.release)
	writer.Wait()
	if slow.puts.Load() != 1 {
		t.Fatalf("expected one background put, got %d", slow.puts.Load())
	}
	if _, err := slow.Get(context.Background(), Locator{Region: "flutter-app-cache", Key: "a.js"}); err != nil {
		t.Fatalf("background write should land eventually: %v", err)
	}
}

func TestBackgroundWriterReportsFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	failing := &blockingStore{Store: newTestStore(t), release: make(chan struct{}), err: errors.New("disk full")}
	close(failing.release)
	writer := NewBackgroundWriter(failing, quietLogger())

	var failures atomic.Int32
	writer.OnError = func(Locator, error) { failures.Add(1) }
	writer.Submit(Locator{Region: "flutter-app-cache", Key: "a.js"}, []byte("a"), PutOptions{})
	writer.Wait()

	if failures.Load() != 1 {
		t.Fatalf("expected failure callback, got %d", failures.Load())
	}
}

func TestBackgroundWriterWithoutStore(t *testing.T) {
	writer := NewBackgroundWriter(nil, quietLogger())
	var got error
	writer.OnError = func(_ Locator, err error) { got = err }
	writer.Submit(Locator{Region: "r", Key: "k"}, nil, PutOptions{})
	if !errors.Is(got, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", got)
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
