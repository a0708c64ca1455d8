package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campuskb/sync-engine/engine/domain"
	"github.com/campuskb/sync-engine/engine/session"
)

type fakeDriver struct {
	fail bool
}

func (d *fakeDriver) Login(ctx context.Context, source session.Source, creds session.Credentials) (http.CookieJar, error) {
	if d.fail {
		return nil, &session.AuthError{Err: errors.New("bad creds")}
	}
	return cookiejar.New(nil)
}

func validCreds() session.Credentials {
	return session.Credentials{Email: "u1@connect.hku.hk", Password: "pw"}
}

func courses(n int) []Task {
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = Task{Course: domain.Course{ID: int64(i + 1), Title: "COMP1 course"}}
	}
	return tasks
}

func TestRun_DistributesAllTasksAcrossWorkers(t *testing.T) {
	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	d := New(broker, session.SourceLMS, 3, validCreds())

	var processed int32
	work := func(ctx context.Context, sess session.Session, task Task) ([]string, []error) {
		atomic.AddInt32(&processed, 1)
		return []string{"file.pdf"}, nil
	}

	results := d.Run(context.Background(), courses(10), work)
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	if processed != 10 {
		t.Fatalf("expected 10 tasks processed, got %d", processed)
	}
	for _, r := range results {
		if r.Fatal {
			t.Fatalf("unexpected fatal result: %v", r.Errors)
		}
	}
}

func TestRun_AllLoginsFailMarksEveryTaskFatal(t *testing.T) {
	broker := session.NewBroker(&fakeDriver{fail: true}, session.BrokerOpts{})
	d := New(broker, session.SourceLMS, 2, validCreds())

	called := false
	work := func(ctx context.Context, sess session.Session, task Task) ([]string, []error) {
		called = true
		return nil, nil
	}

	results := d.Run(context.Background(), courses(3), work)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Fatal {
			t.Fatalf("expected fatal result, got %v", r)
		}
	}
	if called {
		t.Fatal("work should never be called when all logins fail")
	}
}

func TestRun_EmptyTasksReturnsEmptyResults(t *testing.T) {
	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	d := New(broker, session.SourceLMS, 2, validCreds())

	work := func(ctx context.Context, sess session.Session, task Task) ([]string, []error) {
		t.Fatal("work should not be called for an empty task list")
		return nil, nil
	}

	results := d.Run(context.Background(), nil, work)
	if len(results) != 0 {
		t.Fatalf("expected 0 results, got %d", len(results))
	}
}

func TestRun_PerTaskErrorsPropagateWithoutStoppingOthers(t *testing.T) {
	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	d := New(broker, session.SourceLMS, 2, validCreds())

	work := func(ctx context.Context, sess session.Session, task Task) ([]string, []error) {
		if task.Course.ID == 1 {
			return nil, []error{errors.New("download failed")}
		}
		return []string{"ok.pdf"}, nil
	}

	results := d.Run(context.Background(), courses(4), work)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	var sawError bool
	for _, r := range results {
		if r.Course.ID == 1 {
			if len(r.Errors) != 1 {
				t.Fatalf("expected 1 error for course 1, got %v", r.Errors)
			}
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected to observe course 1's error result")
	}
}

func TestRun_CancelStopsAcceptingNewTasks(t *testing.T) {
	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	d := New(broker, session.SourceLMS, 1, validCreds())

	var started int32
	var mu sync.Mutex
	proceed := make(chan struct{})

	work := func(ctx context.Context, sess session.Session, task Task) ([]string, []error) {
		n := atomic.AddInt32(&started, 1)
		if n == 1 {
			mu.Lock()
			mu.Unlock()
			d.Cancel()
			close(proceed)
		}
		<-proceed
		return nil, nil
	}

	results := d.Run(context.Background(), courses(20), work)
	if len(results) >= 20 {
		t.Fatalf("expected cancellation to stop draining all 20 tasks, got %d results", len(results))
	}
}

func TestRun_SessionsClosedAfterRun(t *testing.T) {
	broker := session.NewBroker(&fakeDriver{}, session.BrokerOpts{})
	d := New(broker, session.SourceLMS, 2, validCreds())

	var mu sync.Mutex
	var seen []session.Session
	work := func(ctx context.Context, sess session.Session, task Task) ([]string, []error) {
		mu.Lock()
		seen = append(seen, sess)
		mu.Unlock()
		return nil, nil
	}

	d.Run(context.Background(), courses(2), work)

	time.Sleep(10 * time.Millisecond)
	for _, s := range seen {
		if s.State() != session.StateClosed {
			t.Fatalf("expected session closed after Run, got %v", s.State())
		}
	}
}
