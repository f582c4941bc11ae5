package device

import (
	"strconv"
	"sync"
	"time"
)

const streamQueueDepth = 1024

type command struct {
	name string
	run  func() error
	// always commands run even after the stream failed so waiters are
	// released.
	always bool
}

// Stream is an in-order command queue. Commands submitted to the same stream
// execute in submission order on a dedicated goroutine. The first failing
// command makes the stream's error sticky: later kernels are skipped and the
// error is reported by every subsequent Enqueue and Synchronize.
type Stream struct {
	id    int
	dev   *Device
	queue chan command

	mu  sync.Mutex
	err error

	// sendMu guards closed and sends on queue.
	sendMu sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

func newStream(dev *Device, id int) *Stream {
	s := &Stream{
		id:    id,
		dev:   dev,
		queue: make(chan command, streamQueueDepth),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// ID returns the stream index within its device.
func (s *Stream) ID() int { return s.id }

func (s *Stream) loop() {
	defer s.wg.Done()
	for cmd := range s.queue {
		if !cmd.always && s.Err() != nil {
			continue
		}
		start := time.Now()
		err := cmd.run()
		if !cmd.always {
			kernelDuration.WithLabelValues(cmd.name).Observe(time.Since(start).Seconds())
		}
		streamQueueDepthGauge.WithLabelValues(s.label()).Set(float64(len(s.queue)))
		if err != nil {
			s.fail(err)
		}
	}
}

func (s *Stream) label() string {
	return strconv.Itoa(s.id)
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.mu.Unlock()
	if first {
		_ = s.dev.HandleError(err)
	}
}

// Err returns the sticky error of the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) submit(cmd command) error {
	if !cmd.always {
		if err := s.Err(); err != nil {
			return err
		}
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrDeviceClosed
	}
	s.queue <- cmd
	return nil
}

// Enqueue submits fn for asynchronous execution after all previously
// submitted commands of the stream.
func (s *Stream) Enqueue(name string, fn func() error) error {
	return s.submit(command{name: name, run: fn})
}

// Marker arms sig and fires it once all previously submitted commands of the
// stream have completed, whether or not they succeeded.
func (s *Stream) Marker(sig *Signal) error {
	sig.Arm()
	err := s.enqueueAlways("marker", func() error {
		sig.Fire()
		return nil
	})
	if err != nil {
		sig.Fire()
	}
	return err
}

func (s *Stream) enqueueAlways(name string, fn func() error) error {
	return s.submit(command{name: name, run: fn, always: true})
}

// WaitFor makes all later commands of the stream wait until sig is idle.
func (s *Stream) WaitFor(sig *Signal) error {
	return s.Enqueue("wait", func() error {
		sig.Wait()
		return nil
	})
}

// Synchronize blocks until every command submitted so far has completed and
// returns the stream's sticky error.
func (s *Stream) Synchronize() error {
	sig := NewSignal()
	if err := s.Marker(sig); err != nil {
		return err
	}
	sig.Wait()
	return s.Err()
}

func (s *Stream) close() {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.sendMu.Unlock()
	s.wg.Wait()
}
