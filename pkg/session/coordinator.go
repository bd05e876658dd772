// Package session wires the two roles a peer can take, initiator
// ("jackin") and responder ("jackwait"), into the task set a completed
// handshake unblocks: ack consumer, retransmitter, frame pipeline, and
// receive loop. Uses the same dgroup.NewGroup/g.Go/g.Wait task supervision
// idiom a long-lived background-connector process uses to run several
// concurrent background tasks under one cancellation tree.
package session

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/vterm/masp/pkg/camera"
	"github.com/vterm/masp/pkg/masp"
	"github.com/vterm/masp/pkg/metrics"
	"github.com/vterm/masp/pkg/termrender"
	"github.com/vterm/masp/pkg/videopipe"
)

// Config carries everything a coordinator needs to stand up either role.
type Config struct {
	LocalPort    int
	RemoteAddr   *net.UDPAddr // RA:RP as given on the command line
	MetricsAddr  string       // optional; empty disables the metrics server
	CameraSource camera.Source
}

// Session is one established peer connection: the bound sender/receiver
// pair plus a correlation ID for logging.
type Session struct {
	ID       uuid.UUID
	Sender   *masp.Sender
	Receiver *masp.Receiver
	Metrics  *metrics.Collector
	pipeline *videopipe.Pipeline
}

// Jackin runs the initiator role: bind, hole-punch, drive the handshake,
// then hand off to runTasks.
func Jackin(ctx context.Context, cfg Config) (err error) {
	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.close(); cerr != nil {
			dlog.Errorf(ctx, "jackin: teardown: %v", cerr)
		}
	}()

	ctx = dlog.WithField(ctx, "session", sess.ID.String())
	dlog.Infof(ctx, "jackin: punching to %s", cfg.RemoteAddr)
	if err := sess.Sender.PunchHole(ctx, cfg.RemoteAddr.Port, cfg.RemoteAddr.Port+1); err != nil {
		return errors.Wrap(err, "hole punch")
	}

	dlog.Info(ctx, "jackin: initiating handshake")
	if err := sess.Sender.InitHandshake(ctx); err != nil {
		return errors.Wrap(err, "handshake")
	}

	return sess.runTasks(ctx, cfg)
}

// Jackwait runs the responder role: bind, hole-punch, wait for a remote
// handshake, then hand off to runTasks.
func Jackwait(ctx context.Context, cfg Config) (err error) {
	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.close(); cerr != nil {
			dlog.Errorf(ctx, "jackwait: teardown: %v", cerr)
		}
	}()

	ctx = dlog.WithField(ctx, "session", sess.ID.String())
	dlog.Infof(ctx, "jackwait: punching to %s", cfg.RemoteAddr)
	if err := sess.Sender.PunchHole(ctx, cfg.RemoteAddr.Port, cfg.RemoteAddr.Port+1); err != nil {
		return errors.Wrap(err, "hole punch")
	}

	dlog.Info(ctx, "jackwait: awaiting handshake")
	if err := sess.Receiver.WaitForHandshake(ctx); err != nil {
		return errors.Wrap(err, "handshake")
	}

	return sess.runTasks(ctx, cfg)
}

func newSession(cfg Config) (*Session, error) {
	m := metrics.New()

	localAddr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.LocalPort + 1}
	remoteData := &net.UDPAddr{IP: cfg.RemoteAddr.IP, Port: cfg.RemoteAddr.Port + 1}
	sender, err := masp.NewSender(localAddr, remoteData, m)
	if err != nil {
		return nil, err
	}

	receiver, err := masp.NewReceiver(cfg.LocalPort, m)
	if err != nil {
		sender.Close() //nolint:errcheck
		return nil, err
	}
	receiver.AttachSender(sender)

	return &Session{
		ID:       uuid.New(),
		Sender:   sender,
		Receiver: receiver,
		Metrics:  m,
		pipeline: videopipe.New(m),
	}, nil
}

// close releases both sockets, aggregating failures from each since a
// caller tearing down wants to know about both rather than only the first.
func (s *Session) close() error {
	var merr *multierror.Error
	merr = multierror.Append(merr, s.Sender.Close())
	merr = multierror.Append(merr, s.Receiver.Close())
	return merr.ErrorOrNil()
}

// contained wraps a task body so a panic inside it is recovered, logged, and
// turned into an error instead of taking down the whole process, so one
// task's panic doesn't kill every other task in the group with it.
func contained(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if perr := derror.PanicToError(recover()); perr != nil {
				dlog.Errorf(ctx, "%s: recovered: %+v", name, perr)
				err = perr
			}
		}()
		return fn(ctx)
	}
}

// runTasks spawns the task set a completed handshake unblocks: ack
// consumer, retransmitter, frame pipeline (capture/transform/consume), the
// receive loop, the remote-frame render loop, and an optional metrics
// server, then waits for all of them. dgroup.Group.Wait already aggregates
// failures across the task set; see Session.close for the coordinator's own
// use of go-multierror when tearing down the two sockets it owns directly.
func (s *Session) runTasks(ctx context.Context, cfg Config) error {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	g.Go("ack-consumer", contained("ack-consumer", func(ctx context.Context) error {
		return s.Sender.ConsumeAcks(ctx)
	}))
	g.Go("retransmitter", contained("retransmitter", func(ctx context.Context) error {
		return s.Sender.RetransmitLoop(ctx)
	}))
	g.Go("receive-loop", contained("receive-loop", func(ctx context.Context) error {
		return s.Receiver.StartReceiving(ctx)
	}))
	g.Go("render-loop", contained("render-loop", func(ctx context.Context) error {
		return s.Receiver.RenderLoop(ctx, func(frame string) {
			_ = termrender.Render(os.Stdout, frame)
		})
	}))

	if cfg.CameraSource != nil {
		g.Go("frame-capture", contained("frame-capture", func(ctx context.Context) error {
			return s.pipeline.Capture(ctx, cfg.CameraSource)
		}))
		g.Go("frame-consume", contained("frame-consume", func(ctx context.Context) error {
			// Stage C's local render of the outgoing frame. Shares stdout
			// with render-loop's remote frames; there is no
			// split-screen compositing, so the two streams interleave.
			return s.pipeline.Consume(ctx, s.Sender, func(frame string) {
				_ = termrender.Render(os.Stdout, frame)
			})
		}))
	}

	if cfg.MetricsAddr != "" {
		g.Go("metrics-server", contained("metrics-server", func(ctx context.Context) error {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: s.Metrics.Handler()}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx) //nolint:errcheck
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}))
	}

	return g.Wait()
}
