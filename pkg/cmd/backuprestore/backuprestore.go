package backuprestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/openshift/library-go/pkg/operator/events"

	"github.com/clustersearch/cluster-search-operator/pkg/backuphelpers"
	"github.com/clustersearch/cluster-search-operator/pkg/searchcli"
)

const defaultRequestTimeout = 10 * time.Minute

type backupOptions struct {
	endpoints  []string
	repository string
	name       string

	bucket         string
	bucketEndpoint string
	basePath       string

	errOut io.Writer
}

// NewBackupCommand takes one snapshot of the cluster into the named
// repository. The repository is registered first when the bucket flags
// are set, so the command also works against a fresh cluster.
func NewBackupCommand(errOut io.Writer) *cobra.Command {
	backupOpts := &backupOptions{
		errOut: errOut,
	}
	cmd := &cobra.Command{
		Use:   "cluster-backup",
		Short: "Takes a snapshot of the search cluster into an object-storage repository",
		Run: func(cmd *cobra.Command, args []string) {
			must := func(fn func() error) {
				if err := fn(); err != nil {
					if cmd.HasParent() {
						klog.Fatal(err)
					}
					fmt.Fprint(backupOpts.errOut, err.Error())
				}
			}

			must(backupOpts.Validate)
			must(backupOpts.Run)
		},
	}
	backupOpts.AddFlags(cmd.Flags())
	return cmd
}

func (r *backupOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&r.endpoints, "endpoints", []string{"https://localhost:9200"}, "search cluster endpoints")
	fs.StringVar(&r.repository, "repository", "", "Name of the snapshot repository")
	fs.StringVar(&r.name, "name", "", "Name of the snapshot, generated from the current time when empty")
	fs.StringVar(&r.bucket, "bucket", "", "Object-storage bucket backing the repository, registers the repository when set")
	fs.StringVar(&r.bucketEndpoint, "bucket-endpoint", "", "Object-storage endpoint, only used together with --bucket")
	fs.StringVar(&r.basePath, "base-path", "", "Path prefix inside the bucket, only used together with --bucket")
}

func (r *backupOptions) Validate() error {
	if len(r.repository) == 0 {
		return errors.New("missing required flag: --repository")
	}
	return nil
}

func (r *backupOptions) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	client := searchcli.NewDirectSearchClient(r.endpoints, events.NewInMemoryRecorder("cluster-backup", clock.RealClock{}))
	if len(r.bucket) > 0 {
		err := client.EnsureSnapshotRepository(ctx, r.repository, searchcli.RepositorySettings{
			Bucket:   r.bucket,
			Endpoint: r.bucketEndpoint,
			BasePath: r.basePath,
		})
		if err != nil {
			return fmt.Errorf("could not register snapshot repository [%s]: %w", r.repository, err)
		}
	}

	name := r.name
	if len(name) == 0 {
		name = backuphelpers.SnapshotName(time.Now())
	}
	if err := client.CreateSnapshot(ctx, r.repository, name); err != nil {
		return fmt.Errorf("could not create snapshot [%s]: %w", name, err)
	}
	klog.Infof("snapshot [%s] created in repository [%s]", name, r.repository)
	return nil
}

type restoreOptions struct {
	endpoints  []string
	repository string
	name       string
	indices    []string

	errOut io.Writer
}

// NewRestoreCommand restores a snapshot into the cluster. Indices that
// already exist must be closed or deleted beforehand, the engine refuses
// to restore over open indices.
func NewRestoreCommand(errOut io.Writer) *cobra.Command {
	restoreOpts := &restoreOptions{
		errOut: errOut,
	}
	cmd := &cobra.Command{
		Use:   "cluster-restore",
		Short: "Restores a snapshot from an object-storage repository",
		Run: func(cmd *cobra.Command, args []string) {
			must := func(fn func() error) {
				if err := fn(); err != nil {
					if cmd.HasParent() {
						klog.Fatal(err)
					}
					fmt.Fprint(restoreOpts.errOut, err.Error())
				}
			}

			must(restoreOpts.Validate)
			must(restoreOpts.Run)
		},
	}
	restoreOpts.AddFlags(cmd.Flags())
	return cmd
}

func (r *restoreOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&r.endpoints, "endpoints", []string{"https://localhost:9200"}, "search cluster endpoints")
	fs.StringVar(&r.repository, "repository", "", "Name of the snapshot repository")
	fs.StringVar(&r.name, "name", "", "Name of the snapshot to restore")
	fs.StringSliceVar(&r.indices, "indices", nil, "Indices to restore, all indices of the snapshot when empty")
}

func (r *restoreOptions) Validate() error {
	if len(r.repository) == 0 {
		return errors.New("missing required flag: --repository")
	}
	if len(r.name) == 0 {
		return errors.New("missing required flag: --name")
	}
	return nil
}

func (r *restoreOptions) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	client := searchcli.NewDirectSearchClient(r.endpoints, events.NewInMemoryRecorder("cluster-restore", clock.RealClock{}))
	if err := client.RestoreSnapshot(ctx, r.repository, r.name, r.indices); err != nil {
		return fmt.Errorf("could not restore snapshot [%s]: %w", r.name, err)
	}
	klog.Infof("snapshot [%s] restored from repository [%s]", r.name, r.repository)
	return nil
}
