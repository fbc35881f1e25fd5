package session

import (
	"sync"
	"testing"
	"time"

	"github.com/cmux/display-gateway/internal/upstream"
)

func TestPutGetRemove(t *testing.T) {
	s := New()
	sess := NewSession("s1", "tok", nil)
	s.Put("s1", sess)

	got, ok := s.Get("s1")
	if !ok || got != sess {
		t.Fatalf("Get returned %v, %v", got, ok)
	}

	s.Remove("s1")
	if _, ok := s.Get("s1"); ok {
		t.Fatal("expected session removed")
	}

	// Remove is idempotent.
	s.Remove("s1")
}

func TestReplaceIsEffectivelyIdempotent(t *testing.T) {
	s := New()
	vms := []upstream.VMSummary{{ID: "vm1", Name: "VM One"}}
	old := NewSession("old", "tok", vms)
	s.Put("old", old)

	next, err := s.Replace("old", "new", nil)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if next.UpstreamToken != "tok" || len(next.VMs) != 1 || next.VMs[0].ID != "vm1" {
		t.Fatalf("unexpected payload after replace: %+v", next)
	}

	if _, ok := s.Get("old"); ok {
		t.Fatal("old id should be gone")
	}
	got, ok := s.Get("new")
	if !ok || got.UpstreamToken != old.UpstreamToken {
		t.Fatal("new id should carry the old payload")
	}
}

func TestReplaceMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Replace("nope", "new", nil)
	if err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCredentialCacheStability(t *testing.T) {
	sess := NewSession("s1", "tok", nil)

	first := sess.FillCredential("vm1", CredentialCacheEntry{Host: "10.0.0.1", Port: 5901, Password: "p1", CachedAt: time.Now()})
	second := sess.FillCredential("vm1", CredentialCacheEntry{Host: "10.0.0.1", Port: 5901, Password: "p2", CachedAt: time.Now()})

	if second.Password != first.Password {
		t.Fatalf("credential changed across fills: %q vs %q", first.Password, second.Password)
	}

	cached, ok := sess.CachedCredential("vm1")
	if !ok || cached.Password != "p1" {
		t.Fatalf("unexpected cached entry: %+v, %v", cached, ok)
	}
}

func TestCredentialCacheFillIsRaceSafe(t *testing.T) {
	sess := NewSession("s1", "tok", nil)
	var wg sync.WaitGroup
	results := make([]CredentialCacheEntry, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sess.FillCredential("vm1", CredentialCacheEntry{Password: "race-p"})
		}(i)
	}
	wg.Wait()

	want := results[0].Password
	for _, r := range results {
		if r.Password != want {
			t.Fatalf("inconsistent fill results: %q vs %q", r.Password, want)
		}
	}
}
