// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"errors"
	"testing"
)

func TestJobRegistry_TryStart(t *testing.T) {
	r := newJobRegistry()

	t.Run("first start succeeds", func(t *testing.T) {
		if err := r.tryStart(newJob("org/model", func() {})); err != nil {
			t.Fatalf("tryStart failed: %v", err)
		}
	})

	t.Run("second start conflicts while non-terminal", func(t *testing.T) {
		err := r.tryStart(newJob("org/model", func() {}))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("terminal job is replaced", func(t *testing.T) {
		j, _ := r.get("org/model")
		j.update(func(s *Job) { s.Status = StatusFailed })

		replacement := newJob("org/model", func() {})
		if err := r.tryStart(replacement); err != nil {
			t.Fatalf("retry after failure should be allowed: %v", err)
		}
		got, _ := r.get("org/model")
		if got != replacement {
			t.Error("registry should track the replacement job")
		}
	})

	t.Run("different names never conflict", func(t *testing.T) {
		if err := r.tryStart(newJob("other/model", func() {})); err != nil {
			t.Fatalf("unrelated name should start: %v", err)
		}
	})
}

func TestJobRegistry_RemoveTerminal(t *testing.T) {
	r := newJobRegistry()

	done := newJob("done", func() {})
	done.update(func(s *Job) { s.Status = StatusCompleted })
	active := newJob("active", func() {})
	active.update(func(s *Job) { s.Status = StatusDownloading })
	r.tryStart(done)
	r.tryStart(active)

	if n := r.removeTerminal(); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if _, ok := r.get("done"); ok {
		t.Error("terminal job should be gone")
	}
	if _, ok := r.get("active"); !ok {
		t.Error("active job must survive cleanup")
	}
}

func TestJob_SnapshotIsCopy(t *testing.T) {
	j := newJob("snap", func() {})
	snap := j.snapshot()

	j.update(func(s *Job) {
		s.Status = StatusDownloading
		s.BytesDownloaded = 42
	})

	if snap.Status != StatusPending || snap.BytesDownloaded != 0 {
		t.Error("snapshot must not observe later mutations")
	}

	snap2 := j.snapshot()
	if snap2.Status != StatusDownloading || snap2.BytesDownloaded != 42 {
		t.Error("fresh snapshot should see the update")
	}
	if !snap2.LastUpdate.After(snap.LastUpdate) && !snap2.LastUpdate.Equal(snap.LastUpdate) {
		t.Error("LastUpdate should advance with updates")
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	live := []Status{StatusPending, StatusDownloading, StatusResuming, StatusValidating, StatusConverting}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
