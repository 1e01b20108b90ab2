// Package syncd runs the sync jobs on their schedules until the process
// is told to stop.
package syncd

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type Daemon struct {
	agents []*Agent
	wg     *sync.WaitGroup
}

func New(agents ...*Agent) *Daemon {
	d := &Daemon{
		agents: make([]*Agent, 0, len(agents)),
		wg:     &sync.WaitGroup{},
	}

	for id, a := range agents {
		a.Id = id
		d.agents = append(d.agents, a)
	}

	return d
}

// Run starts every agent and waits for SIGINT, SIGQUIT or SIGTERM
func (s *Daemon) Run() error {
	killSig := make(chan os.Signal, 1)
	signal.Notify(killSig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		<-killSig
		log.Printf("Caught kill signal, shutting down")
		close(stop)
	}()

	return s.Serve(stop)
}

// Serve starts every agent and returns once stop is closed and all agents
// have exited.
func (s *Daemon) Serve(stop <-chan struct{}) error {
	if len(s.agents) == 0 {
		log.Printf("syncd: no agents enabled")
	}

	var shutdownSigs []chan struct{}
	for _, agent := range s.agents {
		agentShutdownSig := make(chan struct{})
		shutdownSigs = append(shutdownSigs, agentShutdownSig)
		s.wg.Add(1)
		go agent.Run(s.wg, agentShutdownSig)
	}

	<-stop

	for _, sig := range shutdownSigs {
		close(sig)
	}
	s.wg.Wait()

	log.Printf("All threads exited")

	return nil
}
