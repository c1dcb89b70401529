package poller

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// clockTicksPerSecond is the standard Linux jiffies rate; reading
// SC_CLK_TCK would require cgo, so this mirrors the original collector's
// own hardcoded fallback.
const clockTicksPerSecond = 100

// CPUPoller emits the validator process's CPU percentage and available
// core count (§4.6). Process discovery follows a fixed precedence:
// container inspect, then a chain of native OS lookups, ending at a
// direct /host/proc scan for the case where this collector itself runs
// containerized alongside rippled.
type CPUPoller struct {
	writer          *tsdb.Writer
	log             *zap.SugaredLogger
	labels          []string
	dockerContainer string
	interval        time.Duration

	pid              int
	havePID          bool
	lastProcessTicks int64
	lastSampleTime   time.Time
	haveLastSample   bool
}

// NewCPUPoller builds a CPU poller. dockerContainer, when non-empty,
// selects the container-stats code path in place of native process
// inspection.
func NewCPUPoller(writer *tsdb.Writer, instanceLabel, dockerContainer string, interval time.Duration, log *zap.SugaredLogger) *CPUPoller {
	return &CPUPoller{
		writer:          writer,
		log:             log,
		labels:          []string{"instance", instanceLabel},
		dockerContainer: dockerContainer,
		interval:        interval,
	}
}

// Run ticks Poll every interval until ctx is cancelled.
func (p *CPUPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll samples CPU percent and core count once and flushes both gauges.
func (p *CPUPoller) Poll(ctx context.Context) {
	nowMS := time.Now().UnixMilli()
	samples := []model.Sample{
		model.NewSample("xrpl_cpu_cores", float64(p.cpuCores()), nowMS, model.KindGauge, p.labels...),
	}
	if pct, ok := p.cpuPercent(); ok {
		samples = append(samples, model.NewSample("xrpl_cpu_percent", pct, nowMS, model.KindGauge, p.labels...))
	}
	if err := p.writer.WriteBatch(ctx, samples, true); err != nil {
		p.log.Warnw("failed to flush cpu metrics", "error", err)
	}
}

func (p *CPUPoller) cpuPercent() (float64, bool) {
	if p.dockerContainer != "" {
		return p.cpuPercentDocker()
	}
	return p.cpuPercentNative()
}

func (p *CPUPoller) cpuPercentDocker() (float64, bool) {
	out, err := exec.Command("docker", "stats", p.dockerContainer, "--no-stream", "--format", "{{.CPUPerc}}").Output()
	if err != nil {
		p.log.Warnw("docker stats failed", "container", p.dockerContainer, "error", err)
		return 0, false
	}
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(out)), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.log.Warnw("parsing docker stats output failed", "output", string(out), "error", err)
		return 0, false
	}
	return v, true
}

func (p *CPUPoller) cpuPercentNative() (float64, bool) {
	if !p.havePID {
		pid, ok := p.findRippledPID()
		if !ok {
			return 0, false
		}
		p.pid = pid
		p.havePID = true
	}

	pct, ok := p.cpuFromProcStat(fmt.Sprintf("/proc/%d/stat", p.pid))
	if ok {
		return pct, true
	}

	// /proc/<pid> is unavailable directly (this collector itself may run
	// containerized with the host's /proc bind-mounted at /host/proc).
	pct, ok = p.cpuFromProcStat(fmt.Sprintf("/host/proc/%d/stat", p.pid))
	if !ok {
		p.havePID = false // process may have exited; rediscover next tick
	}
	return pct, ok
}

// cpuFromProcStat computes CPU% from the utime+stime+cutime+cstime
// fields (positions 14-17, 1-indexed) of a /proc/<pid>/stat line,
// against the previous sample. The first sample always returns 0.
func (p *CPUPoller) cpuFromProcStat(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 17 {
		return 0, false
	}

	var ticks int64
	for _, i := range []int{13, 14, 15, 16} { // 0-indexed utime,stime,cutime,cstime
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return 0, false
		}
		ticks += v
	}

	now := time.Now()
	if !p.haveLastSample {
		p.lastProcessTicks = ticks
		p.lastSampleTime = now
		p.haveLastSample = true
		return 0, true
	}

	wallDelta := now.Sub(p.lastSampleTime).Seconds()
	tickDelta := ticks - p.lastProcessTicks
	p.lastProcessTicks = ticks
	p.lastSampleTime = now

	if wallDelta <= 0 {
		return 0, true
	}
	cpuSeconds := float64(tickDelta) / clockTicksPerSecond
	return (cpuSeconds / wallDelta) * 100, true
}

func (p *CPUPoller) cpuCores() int {
	if p.dockerContainer != "" {
		out, err := exec.Command("docker", "inspect", "-f", "{{.HostConfig.NanoCpus}}", p.dockerContainer).Output()
		if err == nil {
			if nano, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil && nano > 0 {
				return int(nano / 1_000_000_000)
			}
		}
	}
	return runtime.NumCPU()
}

// findRippledPID implements the §4.6 process-discovery precedence:
// container inspect, native process iteration, pidof, pgrep -x, then a
// direct /host/proc/[0-9]*/comm scan.
func (p *CPUPoller) findRippledPID() (int, bool) {
	if p.dockerContainer != "" {
		out, err := exec.Command("docker", "inspect", "-f", "{{.State.Pid}}", p.dockerContainer).Output()
		if err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil && pid > 0 {
				return pid, true
			}
		}
		p.log.Warnw("could not resolve rippled pid from docker container", "container", p.dockerContainer)
		return 0, false
	}

	if pid, ok := p.findPIDFromProcCommNames("/proc"); ok {
		return pid, true
	}
	if out, err := exec.Command("pidof", "rippled").Output(); err == nil {
		fields := strings.Fields(string(out))
		if len(fields) > 0 {
			if pid, err := strconv.Atoi(fields[0]); err == nil {
				return pid, true
			}
		}
	}
	if out, err := exec.Command("pgrep", "-x", "rippled").Output(); err == nil {
		lines := strings.Fields(string(out))
		if len(lines) > 0 {
			if pid, err := strconv.Atoi(lines[0]); err == nil {
				return pid, true
			}
		}
	}
	if pid, ok := p.findPIDFromProcCommNames("/host/proc"); ok {
		return pid, true
	}

	p.log.Warnw("rippled process not found: tried native scan, pidof, pgrep, and /host/proc")
	return 0, false
}

// findPIDFromProcCommNames scans <root>/[0-9]*/comm and <root>/[0-9]*/cmdline
// for a "rippled" process, matching a case-insensitive substring against
// either the comm name or any cmdline argument — mirroring
// _find_rippled_pid's "name() contains rippled or any arg contains
// rippled" rule so a wrapper-launched binary with a rewritten argv[0]
// is still found.
func (p *CPUPoller) findPIDFromProcCommNames(root string) (int, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, false
	}
	for _, ent := range entries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		if comm, ok := p.readProcComm(filepath.Join(root, ent.Name(), "comm")); ok && strings.Contains(strings.ToLower(comm), "rippled") {
			return pid, true
		}
		if p.cmdlineContainsRippled(filepath.Join(root, ent.Name(), "cmdline")) {
			return pid, true
		}
	}
	return 0, false
}

func (p *CPUPoller) readProcComm(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), true
	}
	return "", false
}

// cmdlineContainsRippled reports whether any NUL-separated argument in
// /proc/[pid]/cmdline contains "rippled" (case-insensitive substring).
func (p *CPUPoller) cmdlineContainsRippled(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, arg := range strings.Split(string(data), "\x00") {
		if strings.Contains(strings.ToLower(arg), "rippled") {
			return true
		}
	}
	return false
}
