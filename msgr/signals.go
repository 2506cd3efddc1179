package msgr

// SignalKind identifies the kind of lifecycle signal the registry raises to
// the application (spec.md §6 "Signals to the application").
type SignalKind int

const (
	SignalAccept SignalKind = iota
	SignalConnect
	SignalReset
	SignalRemoteReset
)

func (k SignalKind) String() string {
	switch k {
	case SignalAccept:
		return "accept"
	case SignalConnect:
		return "connect"
	case SignalReset:
		return "reset"
	case SignalRemoteReset:
		return "remote_reset"
	default:
		return "unknown"
	}
}

// Signal carries a lifecycle notification for a single Pipe.
type Signal struct {
	Kind SignalKind
	Pipe *Pipe
}

// Dispatcher is the out-of-scope application collaborator that receives
// lifecycle signals (queue_accept, queue_connect, queue_reset,
// queue_remote_reset) and delivered messages (spec.md §6). The registry and
// Pipe only ever call this interface; draining it is the application's job.
type Dispatcher interface {
	Signal(s Signal)
	Dispatch(m *Message)
}

// ChannelDispatcher is a Dispatcher backed by buffered channels, mirroring
// the teacher's channel-based cla.ConvergenceStatus reporting
// (cla/manager.go, cla/convergence_status.go). It is the reference
// implementation used by tests and cmd/msgrd.
type ChannelDispatcher struct {
	Signals  chan Signal
	Messages chan *Message
}

// NewChannelDispatcher creates a ChannelDispatcher with the given channel
// buffer depth.
func NewChannelDispatcher(depth int) *ChannelDispatcher {
	return &ChannelDispatcher{
		Signals:  make(chan Signal, depth),
		Messages: make(chan *Message, depth),
	}
}

func (d *ChannelDispatcher) Signal(s Signal) {
	d.Signals <- s
}

func (d *ChannelDispatcher) Dispatch(m *Message) {
	d.Messages <- m
}
