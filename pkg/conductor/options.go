package conductor

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// StartupTimeout bounds how long each service may take to report started.
// The MQTT receivers connect to their broker before they do.
func StartupTimeout(d time.Duration) func(*Conductor) {
	return func(c *Conductor) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// ShutdownTimeout bounds how long each service may take to stop. The
// scanner abandons an in-flight cycle on stop, so this mostly covers
// HTTP connections and callback retries draining.
func ShutdownTimeout(d time.Duration) func(*Conductor) {
	return func(c *Conductor) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// Noisy logs every service start and stop.
func Noisy() func(*Conductor) {
	return func(c *Conductor) {
		c.noisy = true
	}
}

// HookSignals stops the Conductor on SIGTERM or SIGINT. A second signal
// while services are still stopping exits the process with status 1.
func HookSignals() func(*Conductor) {
	return func(c *Conductor) {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			defer signal.Stop(sigCh)
			stopping := false
			for {
				select {
				case sig := <-sigCh:
					if stopping {
						log.Printf("Caught %v while shutting down, exiting now\n", sig)
						c.exit(1)
						return
					}
					stopping = true
					c.logf("Caught %v signal, shutting down\n", sig)
					go c.Stop()
				case <-c.shutdown:
					return
				}
			}
		}()
	}
}

// exitWith replaces os.Exit, for tests.
func exitWith(fn func(code int)) func(*Conductor) {
	return func(c *Conductor) {
		c.exit = fn
	}
}
