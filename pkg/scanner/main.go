package scanner

import (
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
	"github.com/xmrgate/xmrgate/pkg/xmr"
)

// StartScanner registers the TipChaser and Scanner services. emitter may
// be nil, in which case the TipChaser only polls.
func StartScanner(c *conductor.Conductor, conf gate.Config, keys *xmr.ViewPair, daemon gate.DaemonClient, store gate.Store, bus *gate.MessageBus, emitter gate.NodeEmitter) *Scanner {
	tc := NewTipChaser(daemon, nil)
	if emitter != nil {
		emitter.Subscribe(tc.ReceiveFromNode)
	}
	c.Service("TipChaser", tc)

	sc := NewScanner(conf, keys, daemon, store, bus, nil)
	tc.Subscribe(sc.ReceiveBestBlock) // non-blocking.
	c.Service("Scanner", sc)

	return sc
}
