package scheduler

import (
	"context"
	"errors"
	"testing"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/formance"
	"widget-credits-go/internal/models"
)

type fakeRepairer struct{ calls int }

func (f *fakeRepairer) RepairPurchases(context.Context) (api.RepairReport, error) {
	f.calls++
	return api.RepairReport{Settled: 1}, nil
}

type fakeInvariants struct{ failures int }

func (f *fakeInvariants) CheckAllInvariants(context.Context) (int, error) {
	return f.failures, nil
}

type fakeMirror struct {
	mirrored int
	err      error
	credits  map[string]int64
}

func (f *fakeMirror) MirrorPending(context.Context, formance.MirrorStore, int) (int, error) {
	return f.mirrored, f.err
}

func (f *fakeMirror) GetUserCredits(_ context.Context, userId string) (int64, bool, error) {
	c, ok := f.credits[userId]
	return c, ok, nil
}

type fakeStore struct {
	balances map[string]int64
}

func (f *fakeStore) GetUnmirroredTransactions(context.Context, int) ([]models.CreditTransaction, error) {
	return nil, nil
}

func (f *fakeStore) MarkTransactionMirrored(context.Context, string) error { return nil }

func (f *fakeStore) GetUserById(_ context.Context, userId string) (*models.User, error) {
	return &models.User{Id: userId}, nil
}

func (f *fakeStore) GetUsers(context.Context) ([]models.User, error) {
	var users []models.User
	for id := range f.balances {
		users = append(users, models.User{Id: id})
	}
	return users, nil
}

func (f *fakeStore) GetAccountBalance(_ context.Context, userId string) (*models.AccountBalance, error) {
	return &models.AccountBalance{UserId: userId, Balance: f.balances[userId]}, nil
}

func TestStartScheduler(t *testing.T) {
	s := NewScheduler(Config{
		Specs:      models.SchedulerConfig{RepairSpec: "@every 1m", InvariantSpec: "@hourly", MirrorSpec: "@every 30s"},
		Repairer:   &fakeRepairer{},
		Invariants: &fakeInvariants{},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	// Mirror is not configured so only two jobs are registered
	if got := len(s.c.Entries()); got != 2 {
		t.Errorf("Expected 2 scheduled jobs, got %d", got)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(Config{
		Specs:    models.SchedulerConfig{RepairSpec: "every minute"},
		Repairer: &fakeRepairer{},
	})
	if err := s.Start(); err == nil {
		t.Error("Expected invalid spec to fail")
	}
}

func TestRunJobs(t *testing.T) {
	repairer := &fakeRepairer{}
	invariants := &fakeInvariants{}
	s := NewScheduler(Config{Repairer: repairer, Invariants: invariants})
	ctx := context.Background()

	if err := s.RunRepair(ctx); err != nil || repairer.calls != 1 {
		t.Errorf("Expected one repair run, got %d (%v)", repairer.calls, err)
	}
	if err := s.RunInvariants(ctx); err != nil {
		t.Errorf("Expected clean invariant run, got %v", err)
	}

	invariants.failures = 2
	if err := s.RunInvariants(ctx); err == nil {
		t.Error("Expected invariant failures to surface as an error")
	}
}

func TestRunMirrorCrossCheck(t *testing.T) {
	st := &fakeStore{balances: map[string]int64{"u1": 67, "u2": 10, "u3": 0, "u4": models.UnlimitedBalance}}
	mirror := &fakeMirror{mirrored: 3, credits: map[string]int64{"u1": 67, "u2": 7, "u4": -12}}
	s := NewScheduler(Config{Specs: models.SchedulerConfig{MirrorBatch: 10}, Mirror: mirror, Store: st})

	if err := s.RunMirror(context.Background()); err != nil {
		t.Fatalf("RunMirror failed: %v", err)
	}

	mismatches, err := s.crossCheckMirror(context.Background())
	if err != nil {
		t.Fatalf("crossCheckMirror failed: %v", err)
	}
	if mismatches != 1 {
		t.Errorf("Expected 1 mismatch, got %d", mismatches)
	}
}

func TestRunMirrorFailure(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("stack unavailable")}
	s := NewScheduler(Config{Mirror: mirror, Store: &fakeStore{}})

	if err := s.RunMirror(context.Background()); err == nil {
		t.Error("Expected mirror failure to surface")
	}
}
