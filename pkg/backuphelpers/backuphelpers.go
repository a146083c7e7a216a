package backuphelpers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
)

// snapshot names must be lowercase, so the timestamp layout avoids
// uppercase time zone designators.
const snapshotTimeLayout = "2006-01-02-15-04-05"

// SnapshotState mirrors the state strings the snapshot API reports.
const (
	SnapshotStateSuccess    = "SUCCESS"
	SnapshotStateInProgress = "IN_PROGRESS"
)

// SnapshotInfo is the retention-relevant view of a snapshot listing.
type SnapshotInfo struct {
	Name      string
	State     string
	EndTime   time.Time
	SizeBytes int64
}

// SnapshotName derives the name for a snapshot taken at the given time.
func SnapshotName(now time.Time) string {
	return fmt.Sprintf("backup-%s", now.UTC().Format(snapshotTimeLayout))
}

// ParseSnapshotTime recovers the creation time from a generated snapshot
// name. Foreign names yield an error and are left alone by retention.
func ParseSnapshotTime(name string) (time.Time, error) {
	rest, found := strings.CutPrefix(name, "backup-")
	if !found {
		return time.Time{}, fmt.Errorf("snapshot [%s] does not carry a generated name", name)
	}
	ts, err := time.Parse(snapshotTimeLayout, rest)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot [%s] does not carry a generated name: %w", name, err)
	}
	return ts, nil
}

// IsSnapshotDue reports whether the cron schedule has an activation in
// (lastTaken, now]. A zero lastTaken means no snapshot was ever taken,
// which makes any valid schedule due immediately.
func IsSnapshotDue(schedule string, lastTaken, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("could not parse backup schedule [%s]: %w", schedule, err)
	}
	if lastTaken.IsZero() {
		return true, nil
	}
	return !sched.Next(lastTaken).After(now), nil
}

// SnapshotsToPrune evaluates the retention policy over a snapshot
// listing and returns the names to delete, oldest first. Unsuccessful
// and in-flight snapshots are never counted against the budget and never
// pruned; the newest successful snapshot always survives.
func SnapshotsToPrune(policy api.RetentionPolicy, snapshots []SnapshotInfo) []string {
	if policy.RetentionType == api.RetentionTypeNone {
		return nil
	}

	successful := []SnapshotInfo{}
	for _, s := range snapshots {
		if s.State == SnapshotStateSuccess {
			successful = append(successful, s)
		}
	}
	if len(successful) <= 1 {
		return nil
	}
	// newest first
	sort.Slice(successful, func(i, j int) bool { return successful[i].EndTime.After(successful[j].EndTime) })

	var prune []SnapshotInfo
	switch policy.RetentionType {
	case api.RetentionTypeNumber:
		keep := policy.RetentionNumber.MaxNumberOfSnapshots
		if keep < 1 {
			keep = 1
		}
		if len(successful) > keep {
			prune = successful[keep:]
		}
	case api.RetentionTypeSize:
		budget := int64(policy.RetentionSize.MaxSizeOfSnapshotsGb) * 1024 * 1024 * 1024
		var used int64
		for i, s := range successful {
			used += s.SizeBytes
			if used > budget && i > 0 {
				prune = successful[i:]
				break
			}
		}
	}

	names := []string{}
	for i := len(prune) - 1; i >= 0; i-- {
		names = append(names, prune[i].Name)
	}
	return names
}
