// Package eventloop provides the epoll-driven event loop that live devices
// run their control paths on. Devices subscribe a handler; control messages
// (such as rate-limiter patches) are queued and the subscriber's eventfd is
// signalled so the loop picks them up.
package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrClosed            = errors.New("event loop closed")
	ErrUnknownSubscriber = errors.New("unknown event loop subscriber")
)

// Handler consumes control messages delivered on the event loop.
type Handler interface {
	HandleControl(msgs []any)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msgs []any)

func (f HandlerFunc) HandleControl(msgs []any) { f(msgs) }

type subscriber struct {
	id      string
	eventFd int
	handler Handler

	mu    sync.Mutex
	queue []any
}

// Manager owns one epoll instance and dispatches control messages to
// subscribed handlers on a dedicated goroutine.
type Manager struct {
	epollFd int
	wakeFd  int // woken on close and subscription changes

	mu          sync.Mutex
	closed      bool
	subscribers map[int]*subscriber // keyed by eventfd
	byID        map[string]*subscriber

	wg sync.WaitGroup
}

// NewManager creates the epoll instance and starts the dispatch loop.
func NewManager() (*Manager, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	m := &Manager{
		epollFd:     epollFd,
		wakeFd:      wakeFd,
		subscribers: make(map[int]*subscriber),
		byID:        make(map[string]*subscriber),
	}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epollFd)
		return nil, fmt.Errorf("eventloop: epoll_ctl: %w", err)
	}

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Subscribe registers a handler under id and returns an error if the loop
// is closed or the id is taken.
func (m *Manager) Subscribe(id string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.byID[id]; ok {
		return fmt.Errorf("eventloop: subscriber %q already registered", id)
	}

	eventFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("eventloop: eventfd: %w", err)
	}
	sub := &subscriber{id: id, eventFd: eventFd, handler: h}
	if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_ADD, eventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventFd),
	}); err != nil {
		unix.Close(eventFd)
		return fmt.Errorf("eventloop: epoll_ctl add subscriber: %w", err)
	}

	m.subscribers[eventFd] = sub
	m.byID[id] = sub
	return nil
}

// Send queues msgs for the subscriber and signals its eventfd. It fails
// when the loop is closed or no subscriber with that id exists.
func (m *Manager) Send(id string, msgs ...any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sub, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscriber, id)
	}

	sub.mu.Lock()
	sub.queue = append(sub.queue, msgs...)
	sub.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(sub.eventFd, buf[:]); err != nil {
		return fmt.Errorf("eventloop: signal subscriber %q: %w", id, err)
	}
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	events := make([]unix.EpollEvent, 16)
	var buf [8]byte
	for {
		n, err := unix.EpollWait(m.epollFd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("eventloop: epoll_wait", "err", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.wakeFd {
				m.mu.Lock()
				closed := m.closed
				m.mu.Unlock()
				if closed {
					return
				}
				unix.Read(m.wakeFd, buf[:])
				continue
			}

			m.mu.Lock()
			sub := m.subscribers[fd]
			m.mu.Unlock()
			if sub == nil {
				continue
			}
			unix.Read(sub.eventFd, buf[:])

			sub.mu.Lock()
			msgs := sub.queue
			sub.queue = nil
			sub.mu.Unlock()
			if len(msgs) > 0 {
				sub.handler.HandleControl(msgs)
			}
		}
	}
}

// Close stops the loop and releases all descriptors.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(m.wakeFd, buf[:])
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for fd := range m.subscribers {
		unix.Close(fd)
	}
	m.subscribers = nil
	m.byID = nil
	unix.Close(m.wakeFd)
	unix.Close(m.epollFd)
	return nil
}
