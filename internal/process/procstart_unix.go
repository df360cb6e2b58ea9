//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTime returns the start time of pid as Unix seconds, or 0 when it
// cannot be determined. Together with the pid it identifies one incarnation
// of a process: a recycled pid gets a different start time.
func StartTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		st, ok := readProcStat(pid)
		bt := bootTime()
		if !ok || bt == 0 {
			return 0
		}
		return bt + st.startTicks/clockTicks()
	}
	// Darwin/BSD: gopsutil goes through sysctl.
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

type procStat struct {
	startTicks int64
}

// readProcStat extracts starttime (field 22, clock ticks since boot) from
// /proc/<pid>/stat.
func readProcStat(pid int) (procStat, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return procStat{}, false
	}
	line := string(b)
	// comm may contain spaces; it ends at the last ") ".
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return procStat{}, false
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return procStat{}, false
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return procStat{}, false
	}
	return procStat{startTicks: ticks}, true
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			if bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}

func clockTicks() int64 {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		return 100
	}
	return clk
}
