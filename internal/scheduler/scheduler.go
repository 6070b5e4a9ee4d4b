// Package scheduler runs the periodic maintenance jobs: purchase repair,
// ledger invariant checks and the Formance mirror export.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/formance"
	"widget-credits-go/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

type PurchaseRepairer interface {
	RepairPurchases(ctx context.Context) (api.RepairReport, error)
}

type InvariantChecker interface {
	CheckAllInvariants(ctx context.Context) (int, error)
}

// Mirror is the Formance export. It is optional.
type Mirror interface {
	MirrorPending(ctx context.Context, st formance.MirrorStore, batch int) (int, error)
	GetUserCredits(ctx context.Context, userId string) (int64, bool, error)
}

// MirrorSource is the store the mirror job exports from and cross-checks against
type MirrorSource interface {
	formance.MirrorStore
	GetUsers(ctx context.Context) ([]models.User, error)
	GetAccountBalance(ctx context.Context, userId string) (*models.AccountBalance, error)
}

// Config wires jobs to their collaborators. Nil collaborators disable the job.
type Config struct {
	Specs      models.SchedulerConfig
	Repairer   PurchaseRepairer
	Invariants InvariantChecker
	Mirror     Mirror
	Store      MirrorSource
}

type Scheduler struct {
	cfg Config
	c   *cron.Cron
}

func NewScheduler(cfg Config) *Scheduler {
	logger := zapCronLogger{log: zap.S().Named("cron")}
	return &Scheduler{
		cfg: cfg,
		c: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start registers the configured jobs and starts the cron runner
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
		on   bool
	}{
		{"purchase_repair", s.cfg.Specs.RepairSpec, s.RunRepair, s.cfg.Repairer != nil},
		{"invariant_check", s.cfg.Specs.InvariantSpec, s.RunInvariants, s.cfg.Invariants != nil},
		{"formance_mirror", s.cfg.Specs.MirrorSpec, s.RunMirror, s.cfg.Mirror != nil && s.cfg.Store != nil},
	}

	for _, job := range jobs {
		if !job.on || job.spec == "" {
			continue
		}
		name, run := job.name, job.run
		_, err := s.c.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := run(ctx); err != nil {
				zap.L().Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("error scheduling %s job: %w", name, err)
		}
		zap.L().Info("Scheduled job", zap.String("job", name), zap.String("spec", job.spec))
	}

	s.c.Start()
	return nil
}

// Stop stops the cron runner and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) RunRepair(ctx context.Context) error {
	report, err := s.cfg.Repairer.RepairPurchases(ctx)
	if err != nil {
		return err
	}
	if report.Settled+report.Completed+report.Failed > 0 {
		zap.L().Info("Purchase repair run",
			zap.Int("settled", report.Settled),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed))
	}
	return nil
}

func (s *Scheduler) RunInvariants(ctx context.Context) error {
	failures, err := s.cfg.Invariants.CheckAllInvariants(ctx)
	if err != nil {
		return err
	}
	if failures > 0 {
		return fmt.Errorf("%d users failed the balance invariant", failures)
	}
	return nil
}

// RunMirror exports pending ledger entries and, once caught up, compares the
// mirrored balances with the local ones
func (s *Scheduler) RunMirror(ctx context.Context) error {
	batch := s.cfg.Specs.MirrorBatch
	if batch <= 0 {
		batch = 100
	}

	mirrored, err := s.cfg.Mirror.MirrorPending(ctx, s.cfg.Store, batch)
	if err != nil {
		return fmt.Errorf("mirror export failed after %d transactions: %w", mirrored, err)
	}
	if mirrored == batch {
		// More pending; cross-check once the backlog is drained
		return nil
	}

	mismatches, err := s.crossCheckMirror(ctx)
	if err != nil {
		return err
	}
	if mismatches > 0 {
		zap.L().Warn("Mirrored balances differ from local balances", zap.Int("users", mismatches))
	}
	return nil
}

// crossCheckMirror counts users whose mirrored balance differs from the local
// one. Unlimited accounts are skipped since the mirror lets them overdraw.
func (s *Scheduler) crossCheckMirror(ctx context.Context) (int, error) {
	users, err := s.cfg.Store.GetUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	mismatches := 0
	for _, user := range users {
		local, err := s.cfg.Store.GetAccountBalance(ctx, user.Id)
		if err != nil {
			return mismatches, fmt.Errorf("failed to get balance for %s: %w", user.Id, err)
		}
		if local.IsUnlimited() {
			continue
		}

		mirrored, found, err := s.cfg.Mirror.GetUserCredits(ctx, user.Id)
		if err != nil {
			return mismatches, fmt.Errorf("failed to get mirrored credits for %s: %w", user.Id, err)
		}
		if !found && local.Balance == 0 {
			continue
		}
		if mirrored != local.Balance {
			mismatches++
			zap.L().Warn("Mirrored balance mismatch",
				zap.String("user_id", user.Id),
				zap.Int64("local", local.Balance),
				zap.Int64("mirrored", mirrored))
		}
	}
	return mismatches, nil
}

// zapCronLogger adapts zap to cron.Logger
type zapCronLogger struct {
	log *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
