package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

const zmqPollInterval = 500 * time.Millisecond

// ZMQBackplane is a PUB/SUB broadcast fabric over ZeroMQ.
//
// Each relay instance binds one PUB socket and connects a single SUB socket
// to every peer's PUB endpoint. Frames are JSON; the Origin field lets the
// relay skip frames it published itself.
type ZMQBackplane struct {
	log *slog.Logger

	ctx *zmq.Context
	pub *zmq.Socket
	sub *zmq.Socket

	// ZeroMQ sockets are not thread-safe; Publish callers share pubMu.
	pubMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewZMQBackplane binds pubAddr (e.g. "tcp://*:7781") and subscribes to every
// peer endpoint (e.g. "tcp://host:7781").
func NewZMQBackplane(log *slog.Logger, pubAddr string, peerAddrs []string) (*ZMQBackplane, error) {
	if pubAddr == "" {
		return nil, errors.New("chat: empty backplane pub address")
	}

	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, err
	}

	pub, err := ctx.NewSocket(zmq.PUB)
	if err != nil {
		_ = ctx.Term()
		return nil, err
	}
	if err := pub.Bind(pubAddr); err != nil {
		_ = pub.Close()
		_ = ctx.Term()
		return nil, err
	}

	sub, err := ctx.NewSocket(zmq.SUB)
	if err != nil {
		_ = pub.Close()
		_ = ctx.Term()
		return nil, err
	}
	if err := sub.SetSubscribe(""); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		_ = ctx.Term()
		return nil, err
	}
	for _, addr := range peerAddrs {
		if addr == "" {
			continue
		}
		if err := sub.Connect(addr); err != nil {
			log.Warn("backplane.peer.connect.fail", "addr", addr, "err", err)
		}
	}

	return &ZMQBackplane{
		log:  log,
		ctx:  ctx,
		pub:  pub,
		sub:  sub,
		done: make(chan struct{}),
	}, nil
}

// Publish sends a frame to all connected peers. Best effort: PUB drops when
// no subscriber is attached, which is the desired backplane semantic.
func (b *ZMQBackplane) Publish(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	_, err = b.pub.SendBytes(data, zmq.DONTWAIT)
	return err
}

// Start launches the subscriber loop. Malformed frames are logged and skipped.
func (b *ZMQBackplane) Start(handler func(Frame)) error {
	poller := zmq.NewPoller()
	poller.Add(b.sub, zmq.POLLIN)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			default:
			}

			polled, err := poller.Poll(zmqPollInterval)
			if err != nil {
				select {
				case <-b.done:
					return
				default:
				}
				b.log.Warn("backplane.poll.fail", "err", err)
				continue
			}

			for range polled {
				data, err := b.sub.RecvBytes(0)
				if err != nil {
					b.log.Warn("backplane.recv.fail", "err", err)
					continue
				}
				var f Frame
				if err := json.Unmarshal(data, &f); err != nil {
					b.log.Warn("backplane.frame.bad_json", "err", err)
					continue
				}
				handler(f)
			}
		}
	}()
	return nil
}

// Close stops the subscriber loop and releases sockets.
func (b *ZMQBackplane) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()

	_ = b.sub.Close()

	b.pubMu.Lock()
	_ = b.pub.Close()
	b.pubMu.Unlock()

	return b.ctx.Term()
}
