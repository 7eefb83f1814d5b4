package idempotency

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "idempotency.db"), ttl, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBegin_NewThenReplay(t *testing.T) {
	s := openTestStore(t, time.Hour)
	payload := []byte(`{"objective":"Click OK"}`)

	res, err := s.Begin("K1", "POST", "/run_async", payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("expected new, got %s", res.Outcome)
	}

	body := []byte(`{"job_id":"j-1","status":"queued"}`)
	if err := s.Complete("K1", "POST", "/run_async", 202, body); err != nil {
		t.Fatal(err)
	}

	res, err = s.Begin("K1", "POST", "/run_async", payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("expected replay, got %s", res.Outcome)
	}
	if res.StatusCode != 202 {
		t.Fatalf("expected stored status 202, got %d", res.StatusCode)
	}
	if string(res.Response) != string(body) {
		t.Fatalf("expected byte-identical response, got %s", res.Response)
	}
}

func TestBegin_ReplayIgnoresKeyOrderAndWhitespace(t *testing.T) {
	s := openTestStore(t, time.Hour)

	if _, err := s.Begin("K1", "POST", "/run", []byte(`{"a":1,"b":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete("K1", "POST", "/run", 200, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	res, err := s.Begin("K1", "POST", "/run", []byte("{ \"b\": 2,\n \"a\": 1 }"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("JSON-equivalent payload should replay, got %s", res.Outcome)
	}
}

func TestBegin_Conflict(t *testing.T) {
	s := openTestStore(t, time.Hour)

	if _, err := s.Begin("K1", "POST", "/run", []byte(`{"objective":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete("K1", "POST", "/run", 200, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	res, err := s.Begin("K1", "POST", "/run", []byte(`{"objective":"different"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict, got %s", res.Outcome)
	}

	// The stored entry must be unchanged: original payload still replays.
	res, err = s.Begin("K1", "POST", "/run", []byte(`{"objective":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("conflict must not alter stored entry, got %s", res.Outcome)
	}
}

func TestBegin_InProgress(t *testing.T) {
	s := openTestStore(t, time.Hour)
	payload := []byte(`{"x":1}`)

	if _, err := s.Begin("K1", "POST", "/undo", payload); err != nil {
		t.Fatal(err)
	}

	res, err := s.Begin("K1", "POST", "/undo", payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeInProgress {
		t.Fatalf("expected in_progress, got %s", res.Outcome)
	}

	// Different payload while running is still in_progress, not conflict.
	res, err = s.Begin("K1", "POST", "/undo", []byte(`{"x":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeInProgress {
		t.Fatalf("expected in_progress for different payload, got %s", res.Outcome)
	}
}

func TestBegin_KeyScopedToMethodAndPath(t *testing.T) {
	s := openTestStore(t, time.Hour)
	payload := []byte(`{"x":1}`)

	if _, err := s.Begin("K1", "POST", "/run", payload); err != nil {
		t.Fatal(err)
	}
	res, err := s.Begin("K1", "POST", "/undo", payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("same key on different path should be independent, got %s", res.Outcome)
	}
}

func TestClear_AllowsRetry(t *testing.T) {
	s := openTestStore(t, time.Hour)
	payload := []byte(`{"x":1}`)

	if _, err := s.Begin("K1", "POST", "/run", payload); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear("K1", "POST", "/run"); err != nil {
		t.Fatal(err)
	}

	res, err := s.Begin("K1", "POST", "/run", payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("expected new after clear, got %s", res.Outcome)
	}
}

func TestClear_DoesNotTouchCompleted(t *testing.T) {
	s := openTestStore(t, time.Hour)
	payload := []byte(`{"x":1}`)

	s.Begin("K1", "POST", "/run", payload)
	s.Complete("K1", "POST", "/run", 200, []byte(`{}`))
	if err := s.Clear("K1", "POST", "/run"); err != nil {
		t.Fatal(err)
	}

	res, err := s.Begin("K1", "POST", "/run", payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("clear must not remove completed entries, got %s", res.Outcome)
	}
}

func TestComplete_MissingEntry(t *testing.T) {
	s := openTestStore(t, time.Hour)
	if err := s.Complete("missing", "POST", "/run", 200, []byte(`{}`)); err == nil {
		t.Fatal("expected error completing a missing entry")
	}
}

func TestPruneExpired(t *testing.T) {
	s := openTestStore(t, time.Nanosecond)
	s.Begin("K1", "POST", "/run", []byte(`{}`))
	time.Sleep(10 * time.Millisecond)

	n, err := s.PruneExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
}

func TestBegin_ConcurrentSingleWinner(t *testing.T) {
	s := openTestStore(t, time.Hour)
	payload := []byte(`{"objective":"race"}`)

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Begin("K1", "POST", "/run", payload)
			if err != nil {
				t.Error(err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeNew:
			newCount++
		case OutcomeInProgress:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if newCount != 1 {
		t.Fatalf("expected exactly one new outcome, got %d", newCount)
	}
}

func TestPayloadHash_NonJSON(t *testing.T) {
	a := PayloadHash([]byte("not json"))
	b := PayloadHash([]byte("not json"))
	c := PayloadHash([]byte("other"))
	if a != b || a == c {
		t.Fatal("raw-byte hashing should be deterministic and discriminating")
	}
}
