package limits

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// QuotaBackend applies and removes disk quotas on a server's data
// directory. Backend selection is configuration; the lifecycle core only
// sees this interface.
type QuotaBackend interface {
	Apply(path string, limitBytes int64) error
	Remove(path string) error
}

// NewQuotaBackend returns the backend for the configured name. Unknown
// names were already rejected by config validation.
func NewQuotaBackend(backend string, logger *slog.Logger) QuotaBackend {
	switch backend {
	case "xfs":
		return &xfsQuota{logger: logger}
	default:
		return noneQuota{}
	}
}

// noneQuota disables disk quotas entirely.
type noneQuota struct{}

func (noneQuota) Apply(string, int64) error { return nil }
func (noneQuota) Remove(string) error       { return nil }

// xfsQuota wraps xfs_quota project quotas. Each server directory becomes
// its own project, keyed by a hash of the path.
type xfsQuota struct {
	logger *slog.Logger
}

func (q *xfsQuota) Apply(path string, limitBytes int64) error {
	if limitBytes <= 0 {
		return q.Remove(path)
	}
	project := projectID(path)
	cmds := [][]string{
		{"xfs_quota", "-x", "-c", fmt.Sprintf("project -s -p %s %d", path, project), "/"},
		{"xfs_quota", "-x", "-c", fmt.Sprintf("limit -p bhard=%d %d", limitBytes, project), "/"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("xfs_quota: %w: %s", err, out)
		}
	}
	q.logger.Debug("applied disk quota", "path", path, "bytes", limitBytes)
	return nil
}

func (q *xfsQuota) Remove(path string) error {
	project := projectID(path)
	out, err := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("limit -p bhard=0 %d", project), "/").CombinedOutput()
	if err != nil {
		return fmt.Errorf("xfs_quota: %w: %s", err, out)
	}
	return nil
}

// projectID derives a stable numeric project id from the path (FNV-1a,
// truncated to 31 bits to stay inside xfs limits).
func projectID(path string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= 16777619
	}
	return h & 0x7fffffff
}
