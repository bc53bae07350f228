// Package threads implements the guest cooperative thread table: creation,
// round-robin scheduling, blocking/wakeup, and the syscalls a Machine wires
// to guest `clone`/`exit`/`futex`-like primitives (spec §3, §4.4). There is
// no host-level preemption; every context switch happens at one of the
// syscalls below, executed synchronously on the one CPU the table shares
// across all its threads.
package threads

import (
	"github.com/pkg/errors"

	"github.com/Mutzi100/libriscv/arena"
	"github.com/Mutzi100/libriscv/cpu"
)

// State is a thread's scheduling state (spec §3).
type State int

const (
	Running State = iota
	Suspended
	Blocked
	Exited
)

// Thread is one guest thread's bookkeeping plus its saved register file
// (spec §3). Saved is meaningless while State is Running: the live values
// are in the shared CPU's register file instead.
type Thread struct {
	Tid           int
	TLS           uint64
	Stack         uint64
	StackSize     uint64
	State         State
	BlockReason   cpu.BlockReason
	Saved         cpu.Registers
	ParentTid     int
	ClearChildTid uint64
	ExitStatus    int
}

// Threads is the per-Machine thread table (spec §3, §4.4). TID 0 is
// reserved; the first thread created gets TID 1.
type Threads struct {
	cpu *cpu.CPU

	threads map[int]*Thread
	nextTid int

	runningTid int
	runQueue   []int // round-robin queue of Suspended, runnable tids

	blocked map[cpu.BlockReason][]int
}

// New creates the thread table with one Running main thread bound to cpu's
// current register state.
func New(c *cpu.CPU) *Threads {
	t := &Threads{
		cpu:     c,
		threads: make(map[int]*Thread),
		nextTid: 1,
		blocked: make(map[cpu.BlockReason][]int),
	}
	main := &Thread{Tid: t.nextTid, State: Running, ParentTid: 0}
	t.threads[main.Tid] = main
	t.runningTid = main.Tid
	t.nextTid++
	return t
}

// RunningTid returns the currently scheduled thread's tid.
func (t *Threads) RunningTid() int { return t.runningTid }

// Get returns the thread record for tid, or nil.
func (t *Threads) Get(tid int) *Thread { return t.threads[tid] }

// Count returns the number of threads that have not yet exited.
func (t *Threads) Count() int {
	n := 0
	for _, th := range t.threads {
		if th.State != Exited {
			n++
		}
	}
	return n
}

func (t *Threads) current() *Thread { return t.threads[t.runningTid] }

// saveCurrent snapshots the live CPU register file into the running
// thread's Saved slot.
func (t *Threads) saveCurrent() {
	t.current().Saved = t.cpu.Regs
}

// activate installs tid's saved registers into the CPU and marks it Running.
// Per spec §5, a context switch clears the atomics reservation.
func (t *Threads) activate(tid int) {
	th := t.threads[tid]
	t.cpu.Regs = th.Saved
	th.State = Running
	t.runningTid = tid
	t.cpu.ClearReservation()
}

func (t *Threads) popRunnable() (int, bool) {
	if len(t.runQueue) == 0 {
		return 0, false
	}
	tid := t.runQueue[0]
	t.runQueue = t.runQueue[1:]
	return tid, true
}

func (t *Threads) pushRunnable(tid int) {
	t.runQueue = append(t.runQueue, tid)
}

// Microclone implements base+0 (spec §4.4): creates a child thread with the
// given stack/tls, leaves the child's PC at entry, suspends the parent
// (whose eventual return value, once rescheduled, is the child's tid), and
// switches execution to the child immediately.
func (t *Threads) Microclone(stack, entry, tls uint64) int {
	parent := t.current()
	t.saveCurrent()
	parent.Saved.Set(10, 0) // a0 on the parent's resumption is overwritten below
	parent.State = Suspended
	t.pushRunnable(parent.Tid)

	childTid := t.nextTid
	t.nextTid++
	child := &Thread{
		Tid:       childTid,
		TLS:       tls,
		Stack:     stack,
		ParentTid: parent.Tid,
		State:     Suspended,
		Saved:     t.cpu.Regs,
	}
	child.Saved.PC = entry
	child.Saved.Set(2, stack) // sp
	t.threads[childTid] = child

	parent.Saved.Set(10, uint64(childTid))
	t.activate(childTid)
	return childTid
}

// Exit implements base+1 (spec §4.4): terminates the running thread. If it
// was the last live thread, reports stopped=true with status for the
// Machine to surface as the process result; otherwise schedules the next
// runnable thread.
func (t *Threads) Exit(status int) (stopped bool, err error) {
	cur := t.current()
	cur.State = Exited
	cur.ExitStatus = status
	if t.Count() == 0 {
		return true, nil
	}
	next, ok := t.popRunnable()
	if !ok {
		return false, errors.New("exit: no runnable thread left but Count() > 0")
	}
	t.activate(next)
	return false, nil
}

// SchedYield implements base+2: suspend and yield to any runnable thread,
// round-robin. If none exists, the current thread keeps running.
func (t *Threads) SchedYield() {
	cur := t.current()
	next, ok := t.popRunnable()
	if !ok {
		return
	}
	t.saveCurrent()
	cur.State = Suspended
	t.pushRunnable(cur.Tid)
	t.activate(next)
}

// YieldTo implements base+3: yield to a specific tid; fails if it isn't
// runnable.
func (t *Threads) YieldTo(tid int) error {
	target, ok := t.threads[tid]
	if !ok || target.State != Suspended {
		return errors.Errorf("yield_to: tid %d is not runnable", tid)
	}
	t.removeFromQueue(tid)
	cur := t.current()
	t.saveCurrent()
	cur.State = Suspended
	t.pushRunnable(cur.Tid)
	t.activate(tid)
	return nil
}

func (t *Threads) removeFromQueue(tid int) {
	for i, q := range t.runQueue {
		if q == tid {
			t.runQueue = append(t.runQueue[:i], t.runQueue[i+1:]...)
			return
		}
	}
}

// Block implements base+4: block the current thread on reason. Fails if no
// other thread exists to run, since blocking would otherwise deadlock the
// Machine with nothing scheduled.
func (t *Threads) Block(reason cpu.BlockReason) error {
	next, ok := t.popRunnable()
	if !ok {
		return errors.Errorf("block: no other thread to run, reason %v", reason)
	}
	cur := t.current()
	t.saveCurrent()
	cur.State = Blocked
	cur.BlockReason = reason
	t.blocked[reason] = append(t.blocked[reason], cur.Tid)
	t.activate(next)
	return nil
}

// WakeupBlocked implements base+5: unblock the first thread blocked on
// reason (FIFO), making it runnable without switching to it. Fails if none
// is blocked on that reason.
func (t *Threads) WakeupBlocked(reason cpu.BlockReason) error {
	q := t.blocked[reason]
	if len(q) == 0 {
		return errors.Errorf("wakeup_blocked: no thread blocked on %v", reason)
	}
	tid := q[0]
	t.blocked[reason] = q[1:]
	th := t.threads[tid]
	th.State = Suspended
	t.pushRunnable(tid)
	return nil
}

// Unblock implements base+6: unblock a specific tid regardless of reason.
func (t *Threads) Unblock(tid int) error {
	th, ok := t.threads[tid]
	if !ok || th.State != Blocked {
		return errors.Errorf("unblock: tid %d is not blocked", tid)
	}
	q := t.blocked[th.BlockReason]
	for i, v := range q {
		if v == tid {
			t.blocked[th.BlockReason] = append(q[:i], q[i+1:]...)
			break
		}
	}
	th.State = Suspended
	t.pushRunnable(tid)
	return nil
}

// ThreadCall implements base+8 (spec §4.4): allocates a stack from a, clones
// a thread whose return address is fini so it terminates via
// ThreadCallExit, and begins executing at fn with args loaded into a0..
func (t *Threads) ThreadCall(a *arena.Arena, fn, fini uint64, stackSize uint64, args ...uint64) (int, error) {
	stackBase := a.Malloc(stackSize)
	if stackBase == 0 {
		return 0, errors.New("threadcall: arena exhausted allocating stack")
	}
	top := stackBase + stackSize
	tid := t.Microclone(top, fn, 0)
	child := t.threads[tid]
	child.Stack = stackBase // Microclone recorded the sp (top); Free needs the allocation's base
	child.Saved.Set(1, fini) // ra: returning from fn re-enters via ThreadCallExit
	child.StackSize = stackSize
	for i, v := range args {
		if i >= 8 {
			break
		}
		child.Saved.Set(10+i, v)
	}
	// Microclone already activated the child; mirror its arg registers into
	// the live CPU state since activate() ran before args were set above.
	t.cpu.Regs = child.Saved
	return tid, nil
}

// ThreadCallExit implements base+9: frees the calling thread's stack back
// to the arena and exits it with the value in a0, matching the thread-call
// return convention (spec §4.4).
func (t *Threads) ThreadCallExit(a *arena.Arena) (stopped bool, err error) {
	cur := t.current()
	if cur.StackSize != 0 {
		a.Free(cur.Stack)
	}
	status := int(int32(t.cpu.Regs.Get(10)))
	return t.Exit(status)
}
