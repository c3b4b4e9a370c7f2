// Package router implements the single-stream demultiplexer (C8) that
// sits between the host's framed pipe and the per-user VMs: one reader
// goroutine parses wire.Message frames and either routes a message to
// its addressed VM (creating the VM on first contact) or, for messages
// addressed to the global user_id 0, fans it out to every live VM.
//
// Grounded on MongooseMoo-barn/server/server.go's accept-loop and
// connection-registry shape (context.Context-driven shutdown, a
// mutex-guarded map of live sessions), generalized from "accept a TCP
// connection, register it" to "see a user_id for the first time,
// construct and register a VM for it".
package router

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/metrics"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/sched"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/wire"
)

// protocolVersion is the value this service reports on a VERSION_CHECK
// exchange. The wire format of a version handshake isn't otherwise
// specified; this is answered directly by the router rather than by
// any VM, since it carries no per-user state.
const protocolVersion int32 = 1

// broadcastGrace bounds how long a global SHUTDOWN or STATUS_QUERY
// waits for every live VM to acknowledge having dispatched it before
// the router gives up waiting and moves on. A VM that is wedged (stuck
// mid-resume past its preemption deadline, for instance) must never be
// able to hang the whole broadcast.
var broadcastGrace = 2 * time.Second

// Router owns the VM registry and the single reader goroutine.
type Router struct {
	writer   *wire.Writer
	memLimit int64
	logger   *log.Logger
	metrics  *metrics.Collectors

	mu  sync.Mutex
	vms map[int32]*sched.VM
	wg  sync.WaitGroup
}

// New constructs a Router that writes VM output through writer and
// creates new VMs with the given per-VM memory limit. m may be nil if
// the process was started without a metrics listener.
func New(writer *wire.Writer, memLimit int64, logger *log.Logger, m *metrics.Collectors) *Router {
	return &Router{
		writer:   writer,
		memLimit: memLimit,
		logger:   logger,
		metrics:  m,
		vms:      make(map[int32]*sched.VM),
	}
}

// Run reads framed messages from r until it sees a clean EOF or a
// fatal stream error. On EOF it broadcasts SHUTDOWN to every live VM
// and returns nil; a short-read or other framing error is returned to
// the caller wrapped with a "router:" prefix (errors.Is still matches
// wire.ErrShortRead).
func (rt *Router) Run(r io.Reader) error {
	for {
		m, err := wire.ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				rt.shutdownAll()
				rt.Wait()
				return nil
			}
			return fmt.Errorf("router: %w", err)
		}
		rt.route(m)
	}
}

// Wait blocks until every VM worker goroutine this Router has spawned
// has returned from Run. Callers that want a clean process exit after
// Run returns should call this too, in case a broadcast SHUTDOWN's
// grace period elapsed before every VM actually finished quitting.
func (rt *Router) Wait() { rt.wg.Wait() }

func (rt *Router) route(m wire.Message) {
	if m.UserID == wire.GlobalUserID {
		rt.routeGlobal(m)
		return
	}
	vm := rt.vmFor(m.UserID)
	if vm == nil {
		return
	}
	vm.Push(m)
}

func (rt *Router) routeGlobal(m wire.Message) {
	switch m.Type {
	case wire.Shutdown:
		rt.broadcastShutdown()
	case wire.StatusQuery:
		rt.broadcastStatusQuery(m)
	case wire.VersionCheck:
		rt.replyVersionCheck()
	default:
		// No other message type is meaningful without an addressed
		// entity; a malformed or unexpected global message is dropped
		// rather than guessed at.
		if rt.logger != nil {
			rt.logger.Printf("router: ignoring global %s", m.Type)
		}
	}
}

func (rt *Router) replyVersionCheck() {
	_ = rt.writer.WriteMessage(wire.Message{
		Type:    wire.VersionCheck,
		UserID:  wire.GlobalUserID,
		OtherID: protocolVersion,
	})
}

// vmFor finds or creates the VM registered for userID, spawning its
// worker goroutine the first time it's created.
func (rt *Router) vmFor(userID int32) *sched.VM {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if vm, ok := rt.vms[userID]; ok {
		return vm
	}

	vm, err := sched.NewVM(userID, rt.memLimit, rt.writer, rt.logger)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Printf("router: creating VM for user %d: %v", userID, err)
		}
		return nil
	}
	vm.SetMetrics(rt.metrics)
	rt.vms[userID] = vm
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		vm.Run()
	}()
	return vm
}

func (rt *Router) allVMs() []*sched.VM {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*sched.VM, 0, len(rt.vms))
	for _, vm := range rt.vms {
		out = append(out, vm)
	}
	return out
}

// broadcastShutdown pushes a SHUTDOWN message to every live VM and
// waits (with a grace period) for all of them to dispatch it. The
// uuid.UUID correlation token has no wire presence — each VM's own
// SCRIPT_ERROR/diagnostic traffic already carries its own user_id, so
// the host can tell VMs apart without it — but it gives the router a
// stable identifier to log against one logical broadcast, the same
// role a correlation ID plays in the request logging of a networked
// service.
func (rt *Router) broadcastShutdown() {
	token := uuid.New()
	vms := rt.allVMs()
	rt.waitForAll(token, "shutdown", vms, func(vm *sched.VM) <-chan struct{} {
		return vm.PushWithAck(wire.Message{Type: wire.Shutdown})
	})
}

func (rt *Router) broadcastStatusQuery(m wire.Message) {
	token := uuid.New()
	vms := rt.allVMs()
	rt.waitForAll(token, "status_query", vms, func(vm *sched.VM) <-chan struct{} {
		return vm.PushWithAck(wire.Message{Type: wire.StatusQuery, Status: m.Status})
	})
}

func (rt *Router) waitForAll(token uuid.UUID, label string, vms []*sched.VM, push func(*sched.VM) <-chan struct{}) {
	var wg sync.WaitGroup
	for _, vm := range vms {
		wg.Add(1)
		done := push(vm)
		go func() {
			defer wg.Done()
			<-done
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(broadcastGrace):
		if rt.logger != nil {
			rt.logger.Printf("router: broadcast %s %s timed out waiting for %d VMs", label, token, len(vms))
		}
	}
}

// shutdownAll fires SHUTDOWN at every VM without waiting for
// acknowledgement, used when the host has already closed its end of
// the pipe and there's nothing left to report a timeout to.
func (rt *Router) shutdownAll() {
	for _, vm := range rt.allVMs() {
		vm.Push(wire.Message{Type: wire.Shutdown})
	}
}
