// Package tele delivers system events, errors and liveness state to a
// remote operator over MQTT.
//
// Tele contract:
// - Init() fails only with invalid config, network issues ignored
// - Event/Error/State block at most for disk write; network may be slow
//   or absent, messages are delivered in background
// - Close() blocks until the queue is released
// - Event/Error messages delivered at least once
// - State messages may be lost
package tele

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/spq"

	"github.com/meatnet/probe/log2"
)

type tele struct {
	config    Config
	log       *log2.Log
	transport Transporter
	q         *spq.Queue
	stopCh    chan struct{}

	currentState State
}

func New() Teler { return &tele{} }

// NewWithTransporter is the test seam: tests inject a mock transport.
func NewWithTransporter(trans Transporter) Teler {
	return &tele{transport: trans}
}

func (t *tele) Init(ctx context.Context, log *log2.Log, config Config) error {
	t.config = config
	t.log = log
	if t.config.LogDebug {
		t.log.SetLevel(log2.LDebug)
	}
	t.stopCh = make(chan struct{})

	if t.transport == nil { // production path
		t.transport = &transportMqtt{}
	}
	if err := t.transport.Init(ctx, log, config); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	if !t.config.Enabled {
		return nil
	}

	if t.config.PersistPath == "" {
		panic("code error must set config.PersistPath")
	}
	var err error
	t.q, err = spq.Open(t.config.PersistPath)
	if err != nil {
		return errors.Annotate(err, "tele queue")
	}

	go t.qworker()
	t.State(StateBoot)
	return nil
}

func (t *tele) Close() {
	close(t.stopCh)
	if t.q != nil {
		t.q.Close()
	}
	t.transport.Close()
}

func (t *tele) Error(e error) {
	if !t.config.Enabled {
		return
	}
	t.log.Debugf("tele.Error: " + errors.ErrorStack(e))
	body := struct {
		Message string `json:"message"`
		Time    int64  `json:"time"`
	}{Message: e.Error(), Time: time.Now().UnixNano()}
	if err := t.qpushJSON(qError, body); err != nil {
		t.log.Errorf("CRITICAL tele qpush error=%v push-err=%v", e, err)
	}
}

func (t *tele) Event(ev Event) {
	if !t.config.Enabled {
		return
	}
	if ev.Time == 0 {
		ev.Time = time.Now().UnixNano()
	}
	if err := t.qpushJSON(qEvent, ev); err != nil {
		t.log.Errorf("CRITICAL tele qpush event=%+v err=%v", ev, err)
	}
}

func (t *tele) State(s State) {
	if !t.config.Enabled {
		return
	}
	if t.currentState != s {
		t.currentState = s
		t.transport.SendState([]byte{byte(s)})
	}
}

// denote value type in persistent queue bytes form
const (
	qEvent byte = 1
	qError byte = 2
)

func (t *tele) qpushJSON(tag byte, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, tag)
	buf = append(buf, body...)
	return t.q.Push(buf)
}

func (t *tele) qworker() {
	for {
		box, err := t.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			var del bool
			del, err = t.qhandle(b)
			if err != nil {
				t.log.Errorf("tele qhandle b=%x err=%v", b, err)
			}
			if del {
				if err = t.q.Delete(box); err != nil {
					t.log.Errorf("tele qhandle Delete b=%x err=%v", b, err)
				}
			} else {
				if err = t.q.DeletePush(box); err != nil {
					t.log.Errorf("tele qhandle DeletePush b=%x err=%v", b, err)
				}
			}

		case spq.ErrClosed:
			select {
			case <-t.stopCh: // success path
			default:
				t.log.Errorf("CRITICAL tele spq closed unexpectedly")
			}
			return

		default:
			t.log.Errorf("CRITICAL tele spq err=%v", err)
			// here will go yet unhandled shit like disk full
		}
	}
}

func (t *tele) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		t.log.Errorf("tele spq peek=empty")
		// what else can we do?
		return true, nil
	}
	switch b[0] {
	case qEvent:
		return t.transport.SendEvent(b[1:]), nil
	case qError:
		return t.transport.SendError(b[1:]), nil
	default:
		return true, errors.Errorf("unknown kind=%d", b[0])
	}
}
