package api

// ClusterConfig is the operand configuration of the search cluster,
// read from the config.yaml key of the search-cluster-config ConfigMap.
type ClusterConfig struct {
	// ClusterName is the logical name of the search cluster, used for
	// cluster.name in every rendered node config.
	ClusterName string `json:"clusterName"`

	// Replicas is the desired number of cluster members.
	Replicas int `json:"replicas"`

	// Image is the container image for the search engine nodes.
	Image string `json:"image"`

	// Storage describes the per-member persistent volume claims.
	Storage StorageConfig `json:"storage"`

	// TLS holds the certificate knobs for the transport and HTTP layers.
	TLS TLSConfig `json:"tls,omitempty"`

	// ClientRelations declares consumers that should receive credentials
	// and endpoint information for this cluster.
	ClientRelations []ClientRelation `json:"clientRelations,omitempty"`

	// RemoteClusters declares other search clusters this one should be
	// able to search across.
	RemoteClusters []RemoteCluster `json:"remoteClusters,omitempty"`

	// Backup configures the snapshot repository, schedule and retention.
	Backup *BackupConfig `json:"backup,omitempty"`
}

// StorageConfig shapes the PVC created for each member.
type StorageConfig struct {
	// Size is a resource quantity string, e.g. "10Gi".
	Size string `json:"size"`

	// StorageClassName selects the storage class, empty means the
	// cluster default.
	StorageClassName string `json:"storageClassName,omitempty"`

	// DeleteClaimsOnScaleDown controls whether the PVC of a removed
	// member is deleted along with the member. When false the claim is
	// retained for later re-attachment.
	DeleteClaimsOnScaleDown bool `json:"deleteClaimsOnScaleDown,omitempty"`
}

// TLSConfig carries certificate lifetime knobs. Zero values fall back to
// the built-in defaults of three years validity and a seven day
// rotation threshold.
type TLSConfig struct {
	// ValidityDays is the lifetime of issued leaf certificates.
	ValidityDays int `json:"validityDays,omitempty"`

	// RotationThresholdDays is how close to expiry a certificate may get
	// before it is regenerated.
	RotationThresholdDays int `json:"rotationThresholdDays,omitempty"`
}

// ClientRelation declares a consumer of the cluster. The operator creates
// an internal user with the requested roles and publishes the credentials
// in a per-relation secret.
type ClientRelation struct {
	// Name identifies the relation, also used in the user and secret names.
	Name string `json:"name"`

	// Roles are the security roles granted to the relation user.
	Roles []string `json:"roles,omitempty"`
}

// RemoteCluster declares a cross-cluster search target.
type RemoteCluster struct {
	// Name is the alias under which the remote cluster is addressed.
	Name string `json:"name"`

	// Seeds are transport-layer host:port endpoints of the remote cluster.
	Seeds []string `json:"seeds"`
}

// RetentionType sets the type of the retention policy applied to
// snapshots in the repository.
type RetentionType string

const (
	// RetentionTypeNone disables pruning.
	RetentionTypeNone RetentionType = "None"
	// RetentionTypeNumber prunes by maximum number of snapshots.
	RetentionTypeNumber RetentionType = "RetentionNumber"
	// RetentionTypeSize prunes by accumulated snapshot size.
	RetentionTypeSize RetentionType = "RetentionSize"
)

// BackupConfig configures snapshot-based backups. The engine talks to the
// object storage directly, the operator only drives the snapshot API.
type BackupConfig struct {
	// Repository is the name under which the snapshot repository is
	// registered with the cluster.
	Repository string `json:"repository"`

	// Bucket is the object storage bucket backing the repository.
	Bucket string `json:"bucket"`

	// Endpoint is the object storage endpoint, empty for the provider
	// default.
	Endpoint string `json:"endpoint,omitempty"`

	// BasePath is the prefix inside the bucket.
	BasePath string `json:"basePath,omitempty"`

	// Schedule is a cron expression for periodic snapshots. Empty
	// disables scheduled snapshots.
	Schedule string `json:"schedule,omitempty"`

	// Retention selects the pruning policy applied after successful
	// snapshots.
	Retention RetentionPolicy `json:"retention,omitempty"`
}

// RetentionPolicy defines how snapshots are pruned.
type RetentionPolicy struct {
	// RetentionType selects which of the fields below applies.
	RetentionType RetentionType `json:"retentionType"`

	// RetentionNumber keeps at most MaxNumberOfSnapshots snapshots.
	RetentionNumber *RetentionNumberConfig `json:"retentionNumber,omitempty"`

	// RetentionSize keeps at most MaxSizeOfSnapshotsGb of snapshots.
	RetentionSize *RetentionSizeConfig `json:"retentionSize,omitempty"`
}

// RetentionNumberConfig prunes all but the newest N snapshots.
type RetentionNumberConfig struct {
	MaxNumberOfSnapshots int `json:"maxNumberOfSnapshots"`
}

// RetentionSizeConfig prunes oldest-first once the accumulated size
// exceeds the limit.
type RetentionSizeConfig struct {
	MaxSizeOfSnapshotsGb int `json:"maxSizeOfSnapshotsGb"`
}
