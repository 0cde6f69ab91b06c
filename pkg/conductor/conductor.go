package conductor

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

const (
	startupTimeout  time.Duration = time.Duration(5 * time.Second)
	shutdownTimeout time.Duration = time.Duration(5 * time.Second)
)

// Service is anything the Conductor can start and stop. Run must return
// promptly: it either fails with an error, or starts its own goroutine
// which sends on started once ready, and on (or closes) stopped after it
// receives from stop.
type Service interface {
	Run(started chan bool, stopped chan bool, stop chan context.Context) error
}

type serviceState struct {
	name     string
	service  Service
	ready    chan bool
	stopped  chan bool
	shutdown chan context.Context
}

type Conductor struct {
	started      bool          // Have we been started yet?
	noisy        bool          // Should we log?
	startTimeout time.Duration // How long should we wait for each service to start before we die?
	stopTimeout  time.Duration // How long should we wait for each service to stop before we kill it?
	shutdown     chan bool     // channel to block on, indicates everything has stopped, returned from Start()
	services     []*serviceState
	lock         sync.Mutex
	running      int // services[:running] have started
	stopOnce     sync.Once
	exit         func(code int)
}

/* Create a new conductor instance, accepts Option funcs for changing
default behaviours */
func NewConductor(opts ...func(*Conductor)) *Conductor {
	c := Conductor{
		started:      false,
		noisy:        false,
		startTimeout: startupTimeout,
		stopTimeout:  shutdownTimeout,
		shutdown:     make(chan bool),
		services:     []*serviceState{},
		exit:         os.Exit,
	}

	for _, optFn := range opts {
		optFn(&c)
	}
	return &c
}

/* Add a Service with a name to be started in order when Start is called */
func (c *Conductor) Service(name string, service Service) {
	if c.started {
		panic("Cannot call Conductor.Service after Conductor.Start")
	}
	c.services = append(c.services,
		&serviceState{name, service, make(chan bool, 1), make(chan bool, 1), make(chan context.Context, 1)})
}

/* Start the conductor, each service is started in turn. If one fails to
start, the ones already running are stopped again. */
func (c *Conductor) Start() chan bool {
	c.started = true

	// start each Service one at a time, this gives us service dependency order.
SRV_LOOP:
	for _, srv := range c.services {
		c.logf("Starting '%s'\n", srv.name)
		err := srv.service.Run(srv.ready, srv.stopped, srv.shutdown)
		if err != nil {
			// Service has failed to start with an error, shutdown everything
			log.Printf("'%s' failed to start: %s\n", srv.name, err)
			c.Stop()
			break
		}
		select {
		case <-time.After(c.startTimeout):
			// Service has timed out, shutdown everything
			log.Printf("'%s' timed out during startup\n", srv.name)
			c.Stop()
			break SRV_LOOP
		case <-srv.ready:
			c.lock.Lock()
			c.running++
			c.lock.Unlock()
			continue
		}
	}
	return c.shutdown
}

// Stop shuts down every running service, in reverse start order, and
// closes the channel returned by Start. Safe to call more than once.
func (c *Conductor) Stop() {
	c.stopOnce.Do(c.stop)
}

func (c *Conductor) stop() {
	// signal all services they should shutdown within timeout seconds
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	c.lock.Lock()
	running := c.services[:c.running]
	c.lock.Unlock()

	// dependants were started after their dependencies, stop them first
	for i := len(running) - 1; i >= 0; i-- {
		s := running[i]
		c.logf("Requesting shutdown: %s\n", s.name)
		s.shutdown <- ctx
		select {
		case <-s.stopped:
			c.logf("Shutdown complete: %s\n", s.name)
		case <-ctx.Done():
			log.Printf("Timeout exceeded waiting for '%s' to stop\n", s.name)
		}
	}
	c.logf("All services stopped, goodbye!\n")
	close(c.shutdown)
}

func (c *Conductor) logf(s string, v ...interface{}) {
	if c.noisy {
		log.Printf(s, v...)
	}
}
