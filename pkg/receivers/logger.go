package receivers

import (
	"context"
	"fmt"
	"log"

	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
	"gopkg.in/natefinch/lumberjack.v2"
)

type MessageLogger struct {
	// MessageLogger receives gate.Message via Rec
	Rec chan gate.Message
	// and logs them via Log
	Log *log.Logger
	out *lumberjack.Logger
}

// Implements gate.MessageSubscriber
func (l MessageLogger) GetChan() chan gate.Message {
	return l.Rec
}

// Implements conductor.Service
func (l MessageLogger) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				l.out.Close()
				close(stopped)
				return
			case msg := <-l.Rec:
				l.Log.Printf("%s:%s (%s): %s\n",
					msg.EventType.Type(),
					msg.EventType,
					msg.ID,
					msg.Message)
			}
		}
	}()
	return nil
}

// NewMessageLogger writes to path, rotating at 100MB and keeping
// compressed backups.
func NewMessageLogger(path string) MessageLogger {
	out := &lumberjack.Logger{
		Filename: path,
		MaxSize:  100,
		Compress: true,
	}
	return MessageLogger{
		Rec: make(chan gate.Message, 1000),
		Log: log.New(out, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		out: out,
	}
}

// Reads config and sets up any configured loggers
func SetupLoggers(cond *conductor.Conductor, bus *gate.MessageBus, conf gate.Config) {
	for name, c := range conf.Loggers {
		l := NewMessageLogger(c.Path)
		cond.Service(fmt.Sprintf("Logger %s", c.Path), l)
		bus.Register(l, eventTypes("Logger", name, c.Types)...)
	}
}
