package channel

import (
	"context"
	"sync"
	"time"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"go.uber.org/zap"
)

// PipeOptions configures an in-process channel
type PipeOptions struct {
	// Sender is used for calls that do not name their own
	Sender    Sender
	Timeout   time.Duration
	QueueSize int
}

// Pipe connects one page-side Client to a privileged Server inside the
// process. Messages are served concurrently and replies are routed by id.
type Pipe struct {
	Client *Client

	server *Server
	from   Sender
	queue  chan envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipe(logger *zap.Logger, handler Handler, opts PipeOptions) *Pipe {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipe{
		server: NewServer(logger, handler),
		from:   opts.Sender,
		queue:  make(chan envelope, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.Client = NewClient(logger, p.post, opts.Timeout)

	p.wg.Add(1)
	go p.loop()
	return p
}

type envelope struct {
	msg  *Message
	from Sender
}

func (p *Pipe) post(ctx context.Context, msg *Message, from Sender) error {
	if from.Origin == "" {
		from = p.from
	}
	select {
	case p.queue <- envelope{msg: msg, from: from}:
		return nil
	case <-p.ctx.Done():
		return cnst.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case env := <-p.queue:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.Client.Deliver(p.server.Serve(p.ctx, env.msg, env.from))
			}()
		}
	}
}

// Close stops serving and fails the calls still waiting
func (p *Pipe) Close() {
	p.cancel()
	p.Client.Close()
	p.wg.Wait()
}
