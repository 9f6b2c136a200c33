// Package db implements the persistent state store for the Kalpana control
// plane: resource rows for workspaces, deployments, databases, buckets, and
// agents, backed by GORM over Postgres in production and SQLite in tests.
package db

import (
	"time"
)

// Status values shared by all resource rows.
const (
	StatusCreating = "CREATING"
	StatusStarting = "STARTING"
	StatusRunning  = "RUNNING"
	StatusStopping = "STOPPING"
	StatusStopped  = "STOPPED"
	StatusError    = "ERROR"
	StatusDeleted  = "DELETED"
)

// Build status values.
const (
	BuildStatusBuilding  = "BUILDING"
	BuildStatusSuccess   = "SUCCESS"
	BuildStatusFailed    = "FAILED"
	BuildStatusCancelled = "CANCELLED"
)

// Agent status values.
const (
	AgentStatusPending   = "PENDING"
	AgentStatusCloning   = "CLONING"
	AgentStatusRunning   = "RUNNING"
	AgentStatusCompleted = "COMPLETED"
	AgentStatusFailed    = "FAILED"
)

// Managed database engine types.
const (
	DBTypePostgres = "POSTGRES"
	DBTypeMySQL    = "MYSQL"
	DBTypeMongoDB  = "MONGODB"
	DBTypeRedis    = "REDIS"
	DBTypeSQLite   = "SQLITE"
)

// ActiveStatuses are the statuses under which a row's ports count as
// reserved for the port allocator.
var ActiveStatuses = []string{StatusStarting, StatusRunning, StatusCreating, AgentStatusCloning}

// ResourceFields holds the attributes common to every managed resource.
// Embedded by the concrete resource models. (Subdomain, DomainID) is unique
// when both are set; only verified domains may be referenced.
type ResourceFields struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	UserID      string    `gorm:"size:64;index;not null" json:"userId"`
	TeamID      *string   `gorm:"size:64;index" json:"teamId,omitempty"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Status      string    `gorm:"size:32;not null;default:CREATING;index" json:"status"`
	ContainerID *string   `gorm:"size:128" json:"containerId,omitempty"`
	VolumeID    *string   `gorm:"size:128" json:"volumeId,omitempty"`
	DomainID    *string   `gorm:"size:64" json:"domainId,omitempty"`
	Subdomain   *string   `gorm:"size:63" json:"subdomain,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Workspace is a cloud development environment with an editor and an agent
// bridge, each exposed on its own allocated host port.
type Workspace struct {
	ResourceFields `gorm:"embedded"`

	VSCodePort *int `json:"vscodePort,omitempty"`
	AgentPort  *int `json:"agentPort,omitempty"`

	RepoURL   *string `gorm:"size:512" json:"repoUrl,omitempty"`
	RepoToken *string `gorm:"size:512" json:"-"`
	Preset    string  `gorm:"size:64" json:"preset"`
	Template  *string `gorm:"size:128" json:"template,omitempty"`

	// NixConfig is the user-supplied nix configuration injected into the
	// container environment at start.
	NixConfig              *string `gorm:"type:text" json:"nixConfig,omitempty"`
	CustomPresetSettings   *string `gorm:"type:text" json:"customPresetSettings,omitempty"`
	CustomPresetExtensions *string `gorm:"type:text" json:"customPresetExtensions,omitempty"`

	// EncryptedEnv is the AES-sealed per-workspace environment map.
	EncryptedEnv string `gorm:"type:text" json:"-"`
}

// Deployment is a long-running application container built from a workspace
// or from a GitHub repository.
type Deployment struct {
	ResourceFields `gorm:"embedded"`

	WorkspaceID *string `gorm:"size:64;index" json:"workspaceId,omitempty"`

	BuildCommand   string `gorm:"size:1024" json:"buildCommand"`
	InstallCommand string `gorm:"size:1024" json:"installCommand"`
	StartCommand   string `gorm:"size:1024" json:"startCommand"`
	WorkingDir     string `gorm:"size:512" json:"workingDir"`
	InternalPort   int    `gorm:"not null;default:3000" json:"internalPort"`

	// EncryptedEnv is the AES-sealed deployment environment map.
	EncryptedEnv string `gorm:"type:text" json:"-"`

	GithubRepo    *string `gorm:"size:255" json:"githubRepo,omitempty"`
	GithubBranch  *string `gorm:"size:255" json:"githubBranch,omitempty"`
	RootDirectory *string `gorm:"size:512" json:"rootDirectory,omitempty"`

	AutoRebuild   bool    `json:"autoRebuild"`
	WebhookSecret *string `gorm:"size:128" json:"-"`

	ExposedPort    *int       `json:"exposedPort,omitempty"`
	LastDeployedAt *time.Time `json:"lastDeployedAt,omitempty"`

	Builds []Build `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE" json:"builds,omitempty"`
}

// Build is one build attempt of a deployment. At most one BUILDING build may
// exist per deployment at a time.
type Build struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	DeploymentID string     `gorm:"size:64;index;not null" json:"deploymentId"`
	Status       string     `gorm:"size:32;not null;index" json:"status"`
	Trigger      string     `gorm:"size:32" json:"trigger"`
	Logs         string     `gorm:"type:text" json:"logs"`
	ErrorMessage *string    `gorm:"type:text" json:"errorMessage,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Database is a managed database server. SQLITE rows have no container and
// no port.
type Database struct {
	ResourceFields `gorm:"embedded"`

	Type     string `gorm:"size:16;not null" json:"type"`
	Version  string `gorm:"size:32" json:"version"`
	Username string `gorm:"size:64" json:"username"`
	Password string `gorm:"size:128" json:"-"`
	DBName   string `gorm:"size:64" json:"dbName"`
	Host     string `gorm:"size:255" json:"host"`
	Port     *int   `json:"port,omitempty"`
}

// Bucket is a managed S3-compatible object store instance.
type Bucket struct {
	ResourceFields `gorm:"embedded"`

	AccessKey string `gorm:"size:64" json:"accessKey"`
	SecretKey string `gorm:"size:128" json:"-"`
	Region    string `gorm:"size:32;default:us-east-1" json:"region"`

	Versioning   bool `json:"versioning"`
	Encryption   bool `json:"encryption"`
	PublicAccess bool `json:"publicAccess"`

	MaxSizeBytes *int64  `json:"maxSizeBytes,omitempty"`
	PublicURL    *string `gorm:"size:128;uniqueIndex" json:"publicUrl,omitempty"`

	APIPort     *int `json:"apiPort,omitempty"`
	ConsolePort *int `json:"consolePort,omitempty"`

	ObjectCount    int64 `gorm:"not null;default:0" json:"objectCount"`
	TotalSizeBytes int64 `gorm:"not null;default:0" json:"totalSizeBytes"`

	Objects []BucketObject `gorm:"foreignKey:BucketID;constraint:OnDelete:CASCADE" json:"-"`
}

// BucketObject mirrors one object stored in a bucket. (BucketID, Key,
// VersionID) is unique.
type BucketObject struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	BucketID    string    `gorm:"size:64;not null;uniqueIndex:idx_bucket_key_version" json:"bucketId"`
	Key         string    `gorm:"size:1024;not null;uniqueIndex:idx_bucket_key_version" json:"key"`
	VersionID   string    `gorm:"size:128;not null;default:'';uniqueIndex:idx_bucket_key_version" json:"versionId"`
	Size        int64     `json:"size"`
	ContentType string    `gorm:"size:255" json:"contentType"`
	ETag        string    `gorm:"size:128" json:"etag"`
	Metadata    string    `gorm:"type:text" json:"metadata"`
	IsPublic    bool      `json:"isPublic"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Agent is an autonomous coding agent run. Conversation state is serialized
// JSON written back periodically by the event gateway.
type Agent struct {
	ResourceFields `gorm:"embedded"`

	AgentPort *int `json:"agentPort,omitempty"`

	RepoURL *string `gorm:"size:512" json:"repoUrl,omitempty"`
	Task    string  `gorm:"type:text" json:"task"`

	ConversationHistory string `gorm:"type:text" json:"conversationHistory"`
	ToolCalls           string `gorm:"type:text" json:"toolCalls"`
	FilesEdited         string `gorm:"type:text" json:"filesEdited"`

	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

// Domain is a user-owned DNS domain. Resources may only link to verified
// domains.
type Domain struct {
	ID                string    `gorm:"primaryKey;size:64" json:"id"`
	UserID            string    `gorm:"size:64;index;not null" json:"userId"`
	Domain            string    `gorm:"size:255;not null;uniqueIndex" json:"domain"`
	Verified          bool      `gorm:"not null;default:false" json:"verified"`
	VerificationToken string    `gorm:"size:128" json:"-"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AllModels lists every model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Workspace{},
		&Deployment{},
		&Build{},
		&Database{},
		&Bucket{},
		&BucketObject{},
		&Agent{},
		&Domain{},
	}
}
