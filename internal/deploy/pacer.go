package deploy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Pacer enforces a minimum interval between successive calls to Wait. The
// first call never blocks.
type Pacer struct {
	Interval time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time

	lastCall time.Time
}

// Wait blocks until Interval has passed since the previous call or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	now := p.now()
	if p.lastCall.IsZero() || p.Interval <= 0 {
		p.lastCall = now
		return ctx.Err()
	}
	if elapsed := now.Sub(p.lastCall); elapsed < p.Interval {
		wait := p.Interval - elapsed
		log.Debug().Dur("delay", wait).Msg("Pausing between deployments")
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	p.lastCall = p.now()
	return nil
}

func (p *Pacer) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pacer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
