package api

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

// PingResult is IccPing's parsed summary of a busybox/iputils ping run.
type PingResult struct {
	Sent     int
	Received int
	RTTAvg   time.Duration
	Output   string
}

// IccPing runs ping from inside fromIDOrName's network namespace against
// target, which may be a literal IP, or another container's id/name.
// Containers have no resolv.conf pointed at the embedded DNS server, so
// id/name targets are resolved to an IP here rather than left for the
// container's own (nonexistent) resolver to handle. Since the engine
// attaches a container's network in the background after RUNNING, IccPing
// waits (bounded) for that attach to finish before running anything.
func (s *Server) IccPing(ctx context.Context, fromIDOrName, target string, count int, timeout time.Duration) (*PingResult, error) {
	from, err := s.engine.Status(ctx, fromIDOrName)
	if err != nil {
		return nil, err
	}
	if from.State != types.StateRunning {
		return nil, quilterr.New(quilterr.InvalidArgument, "api.IccPing", "source container is not running")
	}
	if err := s.engine.WaitNetworkReady(ctx, fromIDOrName, 0); err != nil {
		return nil, err
	}

	ip, err := s.resolvePingTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var out strings.Builder
	req := ExecRequest{
		Command: []string{"ping", "-c", strconv.Itoa(count), "-W", strconv.Itoa(int(timeout.Seconds())), ip},
		Stdout:  &out,
		Stderr:  &out,
	}

	// ping exits non-zero on packet loss, which is a result, not a
	// failure of the call itself — only a shim-level error (e.g. pid
	// gone) is worth surfacing.
	if _, err := s.execInContainer(ctx, from.PID, req); err != nil {
		return nil, err
	}

	return parsePingOutput(out.String()), nil
}

// resolvePingTarget accepts a literal IP as-is, otherwise looks target up
// as a container id/name and returns its allocated address.
func (s *Server) resolvePingTarget(ctx context.Context, target string) (string, error) {
	if ip := net.ParseIP(target); ip != nil {
		return ip.String(), nil
	}
	c, err := s.engine.Status(ctx, target)
	if err != nil {
		return "", quilterr.Wrap(quilterr.NotFound, "api.resolvePingTarget", "resolve ping target "+target, err)
	}
	if c.IP == nil {
		return "", quilterr.New(quilterr.InvalidArgument, "api.resolvePingTarget", "target container has no allocated IP")
	}
	return c.IP.String(), nil
}

func parsePingOutput(output string) *PingResult {
	res := &PingResult{Output: output}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "packets transmitted"):
			fields := strings.Fields(line)
			for i, f := range fields {
				// The count sits right before the keyword ("3 received,")
				// or before a "packets" word ("3 packets received,").
				n := 0
				if i > 0 {
					n = atoiSafe(fields[i-1])
				}
				if i > 1 && fields[i-1] == "packets" {
					n = atoiSafe(fields[i-2])
				}
				switch f {
				case "transmitted,", "transmitted":
					res.Sent = n
				case "received,", "received":
					res.Received = n
				}
			}
		case strings.Contains(line, "rtt ") || strings.Contains(line, "round-trip "):
			// e.g. "rtt min/avg/max/mdev = 0.020/0.035/0.050/0.010 ms"
			parts := strings.Split(line, "=")
			if len(parts) != 2 {
				continue
			}
			vals := strings.Fields(parts[1])
			if len(vals) == 0 {
				continue
			}
			nums := strings.Split(vals[0], "/")
			if len(nums) >= 2 {
				if ms, err := time.ParseDuration(nums[1] + "ms"); err == nil {
					res.RTTAvg = ms
				}
			}
		}
	}
	return res
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
