package kmock

import "fmt"

// Task is a simulated task. One logical task exists per explored path by default; an engine that
// models several may spawn more and switch the current one, each keeping its own identity and
// pending-signal state.
type Task struct {
	pid           int
	signalPending bool
}

// Pid returns the task's identity, stable for the lifetime of the task.
func (t *Task) Pid() int {
	return t.pid
}

// SetSignalPending sets or clears the task's simulated pending-signal state. Engine-facing: this and
// the oracle are the only sources of the value SignalPending observes.
func (t *Task) SetSignalPending(pending bool) {
	t.signalPending = pending
}

// newTask registers a fresh task; caller holds k.mu (or is constructing the kernel).
func (k *Kernel) newTask() *Task {
	t := &Task{pid: k.nextPid}
	k.nextPid++
	k.tasks[t.pid] = t
	return t
}

// CurrentPid is the process-identity shim: the calling task's pid, stable within one simulated task
// and distinct across tasks.
func (k *Kernel) CurrentPid() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	pid := k.current.pid
	k.crossing("current_pid", fmt.Sprintf("pid=%d", pid))
	return pid
}

// CurrentTask returns the current simulated task. Engine-facing.
func (k *Kernel) CurrentTask() *Task {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.current
}

// SpawnTask creates a new simulated task without switching to it. Engine-facing.
func (k *Kernel) SpawnTask() *Task {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.newTask()
}

// SwitchTask makes the task with the given pid current. Engine-facing; switching to an unknown pid is
// an error in the harness, not in the driver under test.
func (k *Kernel) SwitchTask(pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, found := k.tasks[pid]
	if !found {
		return fmt.Errorf("no task with pid %d", pid)
	}

	k.current = t
	return nil
}
