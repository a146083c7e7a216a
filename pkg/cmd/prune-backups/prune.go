package prune_backups

import (
	"context"
	goflag "flag"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/openshift/library-go/pkg/operator/events"

	"github.com/clustersearch/cluster-search-operator/pkg/api"
	"github.com/clustersearch/cluster-search-operator/pkg/backuphelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

const RetentionTypeNone = "None"
const RetentionTypeSize = "RetentionSize"
const RetentionTypeNumber = "RetentionNumber"

const defaultRequestTimeout = 5 * time.Minute

type pruneOpts struct {
	endpoints  []string
	repository string

	retentionType        string
	maxNumberOfSnapshots int
	maxSizeOfSnapshotsGb int
}

func NewPruneCommand() *cobra.Command {
	opts := pruneOpts{retentionType: RetentionTypeNone}
	cmd := &cobra.Command{
		Use:   "prune-backups",
		Short: "Prunes existing snapshots in the repository.",
		Run: func(cmd *cobra.Command, args []string) {
			defer klog.Flush()

			if err := opts.Validate(); err != nil {
				klog.Fatal(err)
			}
			if err := opts.Run(); err != nil {
				klog.Fatal(err)
			}
		},
	}

	opts.AddFlags(cmd)
	return cmd
}

func (r *pruneOpts) AddFlags(cmd *cobra.Command) {
	flagSet := cmd.Flags()
	flagSet.StringSliceVar(&r.endpoints, "endpoints", []string{"https://localhost:9200"}, "search cluster endpoints")
	flagSet.StringVar(&r.repository, "repository", "", "Name of the snapshot repository")
	flagSet.StringVar(&r.retentionType, "type", r.retentionType, "Which kind of retention to execute, can either be None, RetentionNumber or RetentionSize.")
	flagSet.IntVar(&r.maxNumberOfSnapshots, "maxNumberOfSnapshots", 1, "how many snapshots to keep when type=RetentionNumber")
	flagSet.IntVar(&r.maxSizeOfSnapshotsGb, "maxSizeOfSnapshotsGb", 1, "how many gigabytes of snapshots to keep when type=RetentionSize")

	// adding klog flags to tune verbosity better
	gfs := goflag.NewFlagSet("", goflag.ExitOnError)
	klog.InitFlags(gfs)
	cmd.Flags().AddGoFlagSet(gfs)
}

func (r *pruneOpts) Validate() error {
	if len(r.repository) == 0 {
		return fmt.Errorf("missing required flag: --repository")
	}

	if r.retentionType != RetentionTypeNone && r.retentionType != RetentionTypeNumber && r.retentionType != RetentionTypeSize {
		return fmt.Errorf("unknown retention type: [%s]", r.retentionType)
	}

	if r.retentionType == RetentionTypeNumber {
		if r.maxNumberOfSnapshots < 1 {
			return fmt.Errorf("unexpected amount of snapshots [%d] found, expected at least 1", r.maxNumberOfSnapshots)
		}
	} else if r.retentionType == RetentionTypeSize {
		if r.maxSizeOfSnapshotsGb < 1 {
			return fmt.Errorf("unexpected size of snapshots [%d]gb found, expected at least 1", r.maxSizeOfSnapshotsGb)
		}
	}

	return nil
}

func (r *pruneOpts) Run() error {
	if r.retentionType == RetentionTypeNone {
		klog.Infof("nothing to do, retention type is none")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	client := searchcli.NewDirectSearchClient(r.endpoints, events.NewInMemoryRecorder("prune-backups", clock.RealClock{}))
	snapshots, err := client.ListSnapshots(ctx, r.repository)
	if err != nil {
		return fmt.Errorf("could not list snapshots in repository [%s]: %w", r.repository, err)
	}

	infos := make([]backuphelpers.SnapshotInfo, 0, len(snapshots))
	for _, s := range snapshots {
		infos = append(infos, backuphelpers.SnapshotInfo{
			Name:      s.Name,
			State:     s.State,
			EndTime:   time.UnixMilli(s.EndTimeMillis),
			SizeBytes: s.TotalSizeBytes,
		})
	}

	toPrune := backuphelpers.SnapshotsToPrune(r.retentionPolicy(), infos)
	if len(toPrune) == 0 {
		klog.Infof("no snapshots to prune in repository [%s]", r.repository)
		return nil
	}

	for _, name := range toPrune {
		if err := client.DeleteSnapshot(ctx, r.repository, name); err != nil {
			return fmt.Errorf("could not delete snapshot [%s]: %w", name, err)
		}
		klog.Infof("pruned snapshot [%s] from repository [%s]", name, r.repository)
	}
	return nil
}

func (r *pruneOpts) retentionPolicy() api.RetentionPolicy {
	switch r.retentionType {
	case RetentionTypeNumber:
		return api.RetentionPolicy{
			RetentionType:   api.RetentionTypeNumber,
			RetentionNumber: &api.RetentionNumberConfig{MaxNumberOfSnapshots: r.maxNumberOfSnapshots},
		}
	case RetentionTypeSize:
		return api.RetentionPolicy{
			RetentionType: api.RetentionTypeSize,
			RetentionSize: &api.RetentionSizeConfig{MaxSizeOfSnapshotsGb: r.maxSizeOfSnapshotsGb},
		}
	}
	return api.RetentionPolicy{RetentionType: api.RetentionTypeNone}
}
