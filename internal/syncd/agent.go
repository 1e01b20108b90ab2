package syncd

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ph2708/sync-apis/internal/coordinator"
)

// Schedule is either a fixed interval or a daily wall clock time
type Schedule struct {
	Interval time.Duration
	Hour     int
	Minute   int
	Location *time.Location
}

func Every(d time.Duration) Schedule { return Schedule{Interval: d} }

func DailyAt(hour, minute int, loc *time.Location) Schedule {
	return Schedule{Hour: hour, Minute: minute, Location: loc}
}

func (s Schedule) daily() bool { return s.Interval <= 0 }

// Next is how long to wait after now before the next run
func (s Schedule) Next(now time.Time) time.Duration {
	if !s.daily() {
		return s.Interval
	}

	loc := s.Location
	if loc == nil {
		loc = time.Local
	}

	local := now.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d, s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(y, m, d+1, s.Hour, s.Minute, 0, 0, loc)
	}

	return next.Sub(now)
}

func (s Schedule) String() string {
	if !s.daily() {
		return fmt.Sprintf("every %v", s.Interval)
	}
	return fmt.Sprintf("daily at %02d:%02d", s.Hour, s.Minute)
}

// Job is one run of an agent, executed under the family lock
type Job func(ctx context.Context, run *coordinator.Run) error

type Agent struct {
	Id          int
	Name        string
	Family      coordinator.Family
	Schedule    Schedule
	Job         Job
	Coordinator *coordinator.Coordinator
	// RunAtStart runs the job once before the first scheduled tick
	RunAtStart bool
	Debug      bool

	now     func() time.Time
	timer   *time.Timer
	killSig chan struct{}
	wg      *sync.WaitGroup
}

func (s *Agent) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Agent) runJob(ctx context.Context) {
	if s.Debug {
		log.Printf("agent#%d: starting %s job", s.Id, s.Name)
	}

	ran, err := s.Coordinator.WithExclusiveJob(ctx, s.Family, s.Job)
	if err != nil {
		log.Printf("agent#%d: %s job failed (%v)", s.Id, s.Name, err)
		return
	}
	if !ran {
		log.Printf("agent#%d: %s job skipped, another run holds the lock", s.Id, s.Name)
	}
}

func (s *Agent) finish() {
	if s.timer != nil {
		s.timer.Stop()
	}

	if s.wg != nil {
		s.wg.Done()
	}

	log.Printf("agent#%d: finished process thread", s.Id)
}

// Run blocks until killSig is closed. The caller adds the agent to wg.
func (s *Agent) Run(wg *sync.WaitGroup, killSig chan struct{}) error {
	log.Printf("agent#%d: start %s agent thread (%s)", s.Id, s.Name, s.Schedule)

	s.killSig = killSig
	s.wg = wg
	defer s.finish()

	// a running job sees the kill signal through ctx
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-killSig:
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.RunAtStart {
		s.runJob(ctx)
	}

	for {
		wait := s.Schedule.Next(s.clock())
		if s.Debug {
			log.Printf("agent#%d: next %s run in %v", s.Id, s.Name, wait.Round(time.Second))
		}

		if s.timer == nil {
			s.timer = time.NewTimer(wait)
		} else {
			s.timer.Reset(wait)
		}

		select {
		case <-killSig:
			return nil
		case <-s.timer.C:
			s.runJob(ctx)
		}
	}
}
