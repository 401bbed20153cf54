package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/crypto"
)

func TestWorker_ExecutesOperations(t *testing.T) {
	w := New()
	defer w.Close()

	value, err := w.Do(context.Background(), "add", func() (interface{}, error) {
		return 41 + 1, nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if value.(int) != 42 {
		t.Errorf("Expected 42, got %v", value)
	}
}

func TestWorker_PropagatesOperationError(t *testing.T) {
	w := New()
	defer w.Close()

	wantErr := errors.New("boom")
	_, err := w.Do(context.Background(), "failing", func() (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected operation error, got %v", err)
	}
}

func TestWorker_RequestTimeout(t *testing.T) {
	w := NewWithTimeout(50 * time.Millisecond)
	defer w.Close()

	// Occupy the worker goroutine so the next request cannot be picked up.
	release := make(chan struct{})
	go w.Do(context.Background(), "blocker", func() (interface{}, error) {
		<-release
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	_, err := w.Do(context.Background(), "starved", func() (interface{}, error) {
		return nil, nil
	})
	close(release)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Expected ErrRequestTimeout, got %v", err)
	}
}

func TestWorker_CloseFailsPendingRequests(t *testing.T) {
	w := New()

	release := make(chan struct{})
	started := make(chan struct{})
	go w.Do(context.Background(), "blocker", func() (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.Do(context.Background(), "pending", func() (interface{}, error) {
				return nil, nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	w.Close()
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrWorkerStopped) {
			t.Errorf("Pending request %d: expected ErrWorkerStopped, got %v", i, err)
		}
	}
}

func TestWorker_RejectsAfterClose(t *testing.T) {
	w := New()
	w.Close()

	_, err := w.Do(context.Background(), "late", func() (interface{}, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Expected ErrWorkerStopped, got %v", err)
	}
}

func TestWorker_ContextCancellation(t *testing.T) {
	w := New()
	defer w.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go w.Do(context.Background(), "blocker", func() (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := w.Do(ctx, "cancelled", func() (interface{}, error) {
		return nil, nil
	})
	close(release)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestService_EncryptDecryptThroughWorker(t *testing.T) {
	alice := NewService()
	defer alice.Close()
	bob := NewService()
	defer bob.Close()

	ctx := context.Background()

	if _, _, err := alice.GenerateIdentity(ctx); err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	_, bobKey, err := bob.GenerateIdentity(ctx)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	envelope, err := alice.Encrypt(ctx, []byte("worker routed"), bobKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, err := bob.Decrypt(ctx, envelope)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "worker routed" {
		t.Errorf("Round trip mismatch: got %q", plaintext)
	}
}

func TestService_ExportAndReload(t *testing.T) {
	s := NewService()
	defer s.Close()
	ctx := context.Background()

	userID, _, err := s.GenerateIdentity(ctx)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	material, err := s.ExportIdentity(ctx)
	if err != nil {
		t.Fatalf("ExportIdentity failed: %v", err)
	}

	reloaded := NewService()
	defer reloaded.Close()
	if err := reloaded.LoadIdentity(ctx, material); err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if reloaded.UserID() != userID {
		t.Errorf("Reloaded user ID %s, want %s", reloaded.UserID(), userID)
	}
}

func TestService_RequiresIdentity(t *testing.T) {
	s := NewService()
	defer s.Close()

	if _, err := s.Decrypt(context.Background(), &crypto.Envelope{}); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Expected ErrNoIdentity, got %v", err)
	}
	if _, err := s.ExchangePublicKey(); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Expected ErrNoIdentity, got %v", err)
	}
}
