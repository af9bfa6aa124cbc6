//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// clockTicks is USER_HZ, fixed at 100 on every Linux ABI Go supports.
const clockTicks = 100

// waitDelay bounds how long Wait blocks on output pipes held open by
// orphaned children after the group has been killed.
const waitDelay = 2 * time.Second

// execProcess is a command started in its own process group.
type execProcess struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	once sync.Once
	done chan struct{}
	info ExitInfo
}

func startCommand(ctx context.Context, argv []string, spec Spec) (*execProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, pid: cmd.Process.Pid, started: time.Now(), done: make(chan struct{})}
	applyRlimits(p.pid, spec.Limits)

	go func() {
		err := cmd.Wait()
		p.info = exitInfo(cmd, err)
		close(p.done)
	}()
	// The caller's context is enforced by the executor; this only ensures the
	// group dies if the caller disappears.
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

func exitInfo(cmd *exec.Cmd, err error) ExitInfo {
	if cmd.ProcessState != nil {
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitInfo{Code: 128 + int(ws.Signal())}
		}
		return ExitInfo{Code: cmd.ProcessState.ExitCode()}
	}
	return ExitInfo{Code: -1, Err: err}
}

// applyRlimits sets kernel backstops below the sentinel: CPU seconds and
// address space. Failures are ignored; the sentinel still enforces.
func applyRlimits(pid int, l contracts.ResourceLimits) {
	if l.CPUSeconds > 0 {
		secs := uint64(l.CPUSeconds) + 1
		_ = unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: secs, Max: secs}, nil)
	}
	if l.MemoryBytes > 0 {
		// Address space overshoots RSS; leave generous room and let the
		// sentinel enforce the real limit on resident memory.
		as := uint64(l.MemoryBytes) * 4
		_ = unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: as, Max: as}, nil)
	}
}

func (p *execProcess) Wait() ExitInfo {
	<-p.done
	return p.info
}

// Kill sends SIGKILL to the whole process group.
func (p *execProcess) Kill() error {
	err := unix.Kill(-p.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Usage() (contracts.ResourceUsage, error) {
	select {
	case <-p.done:
		return p.finalUsage(), nil
	default:
	}
	u, err := procTreeUsage(p.pid)
	if err != nil {
		return contracts.ResourceUsage{}, err
	}
	u.WallClockSeconds = time.Since(p.started).Seconds()
	return u, nil
}

func (p *execProcess) finalUsage() contracts.ResourceUsage {
	st := p.cmd.ProcessState
	if st == nil {
		return contracts.ResourceUsage{}
	}
	u := contracts.ResourceUsage{
		CPUSeconds:       (st.UserTime() + st.SystemTime()).Seconds(),
		WallClockSeconds: time.Since(p.started).Seconds(),
	}
	if ru, ok := st.SysUsage().(*syscall.Rusage); ok {
		u.MemoryBytes = ru.Maxrss * 1024
	}
	return u
}

type procStat struct {
	ppid     int
	cpuTicks uint64
	rssPages int64
}

// procTreeUsage sums CPU and resident memory over root and its descendants.
func procTreeUsage(root int) (contracts.ResourceUsage, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return contracts.ResourceUsage{}, err
	}
	stats := make(map[int]procStat, len(entries))
	children := make(map[int][]int)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		st, err := readProcStat(pid)
		if err != nil {
			continue
		}
		stats[pid] = st
		children[st.ppid] = append(children[st.ppid], pid)
	}
	if _, ok := stats[root]; !ok {
		return contracts.ResourceUsage{}, fmt.Errorf("process %d not found", root)
	}

	var ticks uint64
	var rss int64
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		st := stats[pid]
		ticks += st.cpuTicks
		rss += st.rssPages
		queue = append(queue, children[pid]...)
	}
	return contracts.ResourceUsage{
		CPUSeconds:  float64(ticks) / clockTicks,
		MemoryBytes: rss * int64(os.Getpagesize()),
	}, nil
}

// readProcStat parses /proc/<pid>/stat. The command name may contain spaces
// and parentheses, so fields are counted from the last ')'.
func readProcStat(pid int) (procStat, error) {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return procStat{}, err
	}
	s := string(raw)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 > len(s) {
		return procStat{}, fmt.Errorf("malformed stat for %d", pid)
	}
	f := strings.Fields(s[i+2:])
	// f[0] is field 3 (state).
	if len(f) < 22 {
		return procStat{}, fmt.Errorf("short stat for %d", pid)
	}
	ppid, _ := strconv.Atoi(f[1])
	var ticks uint64
	for _, idx := range []int{11, 12, 13, 14} { // utime stime cutime cstime
		v, _ := strconv.ParseUint(f[idx], 10, 64)
		ticks += v
	}
	rss, _ := strconv.ParseInt(f[21], 10, 64)
	return procStat{ppid: ppid, cpuTicks: ticks, rssPages: rss}, nil
}
