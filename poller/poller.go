// Package poller periodically finds doses whose window is open and reminds
// their users.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/dosewindow"
	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/metrics"
	"github.com/RaphaLefth/pillquest/recordstore"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Reminder is the content of one notification to one user.
type Reminder struct {
	User  *dbtypes.User
	Doses []*dbtypes.Dose

	// TakeLink is the path of the page where the doses can be taken.
	TakeLink string
}

// Sender delivers reminders.
type Sender interface {
	Send(ctx context.Context, r *Reminder) error
}

type Poller struct {
	store     recordstore.Store
	sender    Sender
	period    time.Duration
	tolerance time.Duration
	now       func() time.Time

	limiter     *rate.Limiter
	concurrency int64
}

type Option func(*Poller)

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func WithTolerance(d time.Duration) Option {
	return func(p *Poller) { p.tolerance = d }
}

// WithSendRate limits outgoing reminders to perSecond, with the given burst.
func WithSendRate(perSecond float64, burst int) Option {
	return func(p *Poller) { p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithConcurrency(n int64) Option {
	return func(p *Poller) { p.concurrency = n }
}

func New(store recordstore.Store, sender Sender, period time.Duration, opts ...Option) *Poller {
	p := &Poller{
		store:       store,
		sender:      sender,
		period:      period,
		tolerance:   dosewindow.DefaultTolerance,
		now:         time.Now,
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	// The ticker doesn't fire until a full period has elapsed.
	if _, err := p.Poll(ctx); err != nil {
		glog.Errorf("Error during poller pass: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := p.Poll(ctx); err != nil {
			glog.Errorf("Error during poller pass: %v", err)
		}
	}
}

// Poll runs one pass, returning the number of doses reminded about.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	tracer := otel.Tracer("pillquest/poller")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Poller.Poll")
	defer span.End()

	glog.V(1).Infof("Starting poller pass")

	due, err := p.dueReminders(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	sent := make([]int, len(due))

	eg, egCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(p.concurrency)
	var acquireErr error
	for i, r := range due {
		i, r := i, r

		if err := sem.Acquire(egCtx, 1); err != nil {
			acquireErr = fmt.Errorf("while acquiring concurrency limiter semaphore: %w", err)
			break
		}

		eg.Go(func() error {
			defer sem.Release(1)
			n, err := p.remind(egCtx, r)
			if err != nil {
				return fmt.Errorf("while reminding user %s: %w", r.User.ID, err)
			}
			sent[i] = n
			return nil
		})
	}

	err = eg.Wait()
	if err == nil {
		err = acquireErr
	}
	total := 0
	for _, n := range sent {
		total += n
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, err
	}

	span.SetStatus(codes.Ok, "")
	glog.V(1).Infof("Finished poller pass; reminded about %d doses", total)
	return total, nil
}

// dueReminders groups the open, untaken doses of active treatments by user,
// for users who want reminders and can receive them.
func (p *Poller) dueReminders(ctx context.Context) ([]*Reminder, error) {
	now := p.now()
	byUser := map[string]*Reminder{}

	err := p.store.View(ctx, func(ctx context.Context, txn recordstore.Txn) error {
		records, err := txn.GetByIndexRange(ctx, dbtypes.Doses, dbtypes.IndexScheduledAt,
			recordstore.FormatInstant(now.Add(-p.tolerance)),
			recordstore.FormatInstant(now.Add(p.tolerance)))
		if err != nil {
			return fmt.Errorf("while reading doses around %v: %w", now, err)
		}

		users := map[string]*dbtypes.User{}
		treatments := map[string]*dbtypes.Treatment{}
		for _, d := range recordstore.As[*dbtypes.Dose](records) {
			if !dosewindow.IsActionable(d, now, p.tolerance) {
				continue
			}

			user, ok := users[d.UserID]
			if !ok {
				user, err = recordstore.Get[*dbtypes.User](ctx, txn, dbtypes.Users, d.UserID)
				if errors.Is(err, errs.NotFound) {
					user = nil
				} else if err != nil {
					return fmt.Errorf("while loading user %s: %w", d.UserID, err)
				}
				users[d.UserID] = user
			}
			if user == nil || !user.RemindersEnabled || user.Email == "" {
				continue
			}

			tr, ok := treatments[d.TreatmentID]
			if !ok {
				tr, err = recordstore.Get[*dbtypes.Treatment](ctx, txn, dbtypes.Treatments, d.TreatmentID)
				if err != nil {
					return fmt.Errorf("while loading treatment %s: %w", d.TreatmentID, err)
				}
				treatments[d.TreatmentID] = tr
			}
			if !tr.Active {
				continue
			}

			r, ok := byUser[user.ID]
			if !ok {
				r = &Reminder{User: user, TakeLink: "/"}
				byUser[user.ID] = r
			}
			r.Doses = append(r.Doses, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []*Reminder
	for _, r := range byUser {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out, nil
}

// remind claims the doses in r that haven't been reminded about yet and sends
// one reminder covering them.  If anything fails after a claim is taken, the
// claims are released so a later pass retries.
func (p *Poller) remind(ctx context.Context, r *Reminder) (sent int, err error) {
	now := p.now()

	var claimed []*dbtypes.Dose
	defer func() {
		if err == nil || len(claimed) == 0 {
			return
		}
		for range claimed {
			metrics.RecordReminder(ctx, "failed")
		}
		// ctx may already be cancelled by a failing sibling or by shutdown.
		p.release(context.WithoutCancel(ctx), claimed)
	}()

	for _, d := range r.Doses {
		err := p.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
			_, err := txn.Add(ctx, dbtypes.Reminders, &dbtypes.Reminder{DoseID: d.ID, UserID: d.UserID, SentAt: now})
			return err
		})
		if errors.Is(err, errs.ConstraintViolation) {
			metrics.RecordReminder(ctx, "duplicate")
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("while claiming reminder for dose %s: %w", d.ID, err)
		}
		claimed = append(claimed, d)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("while waiting for send rate limiter: %w", err)
	}

	toSend := &Reminder{User: r.User, Doses: claimed, TakeLink: r.TakeLink}
	glog.Infof("Sending reminder to user %s for %d doses", r.User.ID, len(claimed))
	if err := p.sender.Send(ctx, toSend); err != nil {
		return 0, fmt.Errorf("while sending reminder: %w", err)
	}

	for range claimed {
		metrics.RecordReminder(ctx, "sent")
	}
	return len(claimed), nil
}

func (p *Poller) release(ctx context.Context, doses []*dbtypes.Dose) {
	for _, d := range doses {
		err := p.store.Update(ctx, func(ctx context.Context, txn recordstore.Txn) error {
			return txn.Delete(ctx, dbtypes.Reminders, d.ID)
		})
		if err != nil {
			glog.Errorf("Failed to release reminder claim for dose %s: %v", d.ID, err)
		}
	}
}
