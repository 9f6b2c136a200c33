package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"kalpana.dev/common"
)

// Sentinel errors surfaced by the store. Callers branch on these instead of
// inspecting driver error strings.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDomainNotVerified = errors.New("domain is not verified")
	ErrSubdomainTaken    = errors.New("subdomain is already in use on this domain")
	ErrBuildInProgress   = errors.New("a build is already in progress for this deployment")
	ErrBucketNameTaken   = errors.New("bucket name is already in use for this user")
	ErrPublicURLTaken    = errors.New("public url slug is already in use")
)

// Store is the persistent state store shared by all control-plane
// components. It wraps a GORM connection to Postgres (production) or SQLite
// (tests and single-node installs).
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to the configured database and runs migrations.
// Supported drivers: "postgres" and "sqlite".
func Open(driver, dsn string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = common.Logger
	}
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		conn *gorm.DB
		err  error
	)
	switch driver {
	case "postgres":
		conn, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		conn, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	if driver == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := conn.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:  conn,
		log: common.ServiceLogger(logger, "store"),
	}, nil
}

// DB exposes the underlying GORM handle for specialized queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Create persists a new row of any model type.
func Create[T any](ctx context.Context, s *Store, row *T) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// FindByID loads a row by primary key.
func FindByID[T any](ctx context.Context, s *Store, id string) (*T, error) {
	var row T
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &row, nil
}

// FindFirst returns the first row matching the condition, ordered by
// creation time.
func FindFirst[T any](ctx context.Context, s *Store, query string, args ...interface{}) (*T, error) {
	var row T
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at").First(&row).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &row, nil
}

// ListBy returns all rows matching the condition.
func ListBy[T any](ctx context.Context, s *Store, query string, args ...interface{}) ([]T, error) {
	var rows []T
	tx := s.db.WithContext(ctx)
	if query != "" {
		tx = tx.Where(query, args...)
	}
	if err := tx.Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Update applies a column patch to the row with the given id. Missing rows
// return ErrNotFound.
func Update[T any](ctx context.Context, s *Store, id string, patch map[string]interface{}) error {
	var model T
	res := s.db.WithContext(ctx).Model(&model).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the row with the given id.
func Delete[T any](ctx context.Context, s *Store, id string) error {
	var model T
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ValidateDomainLink checks that a resource may link to (domainID,
// subdomain): the domain must exist and be verified, and no other resource
// row of any class may hold the same (subdomain, domain) pair. excludeID
// skips the resource being updated.
func (s *Store) ValidateDomainLink(ctx context.Context, domainID, subdomain, excludeID string) error {
	var domain Domain
	if err := s.db.WithContext(ctx).First(&domain, "id = ?", domainID).Error; err != nil {
		return wrapNotFound(err)
	}
	if !domain.Verified {
		return ErrDomainNotVerified
	}

	for _, model := range []interface{}{&Workspace{}, &Deployment{}, &Database{}, &Bucket{}, &Agent{}} {
		var count int64
		tx := s.db.WithContext(ctx).Model(model).
			Where("domain_id = ? AND subdomain = ?", domainID, subdomain)
		if excludeID != "" {
			tx = tx.Where("id <> ?", excludeID)
		}
		if err := tx.Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrSubdomainTaken
		}
	}
	return nil
}

// ActivePorts returns every host port referenced by a row whose status marks
// the port as reserved. The port allocator treats these as unavailable
// regardless of what the Docker daemon reports.
func (s *Store) ActivePorts(ctx context.Context) (map[int]bool, error) {
	ports := make(map[int]bool)
	collect := func(vals []*int) {
		for _, v := range vals {
			if v != nil && *v > 0 {
				ports[*v] = true
			}
		}
	}

	var workspaces []Workspace
	if err := s.db.WithContext(ctx).Where("status IN ?", ActiveStatuses).Find(&workspaces).Error; err != nil {
		return nil, err
	}
	for _, w := range workspaces {
		collect([]*int{w.VSCodePort, w.AgentPort})
	}

	var deployments []Deployment
	if err := s.db.WithContext(ctx).Where("status IN ?", ActiveStatuses).Find(&deployments).Error; err != nil {
		return nil, err
	}
	for _, d := range deployments {
		collect([]*int{d.ExposedPort})
	}

	var databases []Database
	if err := s.db.WithContext(ctx).Where("status IN ?", ActiveStatuses).Find(&databases).Error; err != nil {
		return nil, err
	}
	for _, d := range databases {
		collect([]*int{d.Port})
	}

	var buckets []Bucket
	if err := s.db.WithContext(ctx).Where("status IN ?", ActiveStatuses).Find(&buckets).Error; err != nil {
		return nil, err
	}
	for _, b := range buckets {
		collect([]*int{b.APIPort, b.ConsolePort})
	}

	var agents []Agent
	if err := s.db.WithContext(ctx).Where("status IN ?", ActiveStatuses).Find(&agents).Error; err != nil {
		return nil, err
	}
	for _, a := range agents {
		collect([]*int{a.AgentPort})
	}

	return ports, nil
}

// CreateBucket persists a bucket row after enforcing the per-user name
// uniqueness and global publicUrl uniqueness constraints.
func (s *Store) CreateBucket(ctx context.Context, bucket *Bucket) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Bucket{}).
		Where("user_id = ? AND name = ?", bucket.UserID, bucket.Name).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrBucketNameTaken
	}
	if bucket.PublicURL != nil {
		if err := s.db.WithContext(ctx).Model(&Bucket{}).
			Where("public_url = ?", *bucket.PublicURL).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrPublicURLTaken
		}
	}
	return s.db.WithContext(ctx).Create(bucket).Error
}

// CreateBuild inserts a BUILDING build row, enforcing at most one in-flight
// build per deployment. The check and insert run in one transaction.
func (s *Store) CreateBuild(ctx context.Context, build *Build) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Build{}).
			Where("deployment_id = ? AND status = ?", build.DeploymentID, BuildStatusBuilding).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrBuildInProgress
		}
		build.Status = BuildStatusBuilding
		if build.StartedAt.IsZero() {
			build.StartedAt = time.Now()
		}
		return tx.Create(build).Error
	})
}

// SetBuildLogs overwrites the accumulated log text of a build. Called by the
// builder's coalesced flusher. Only BUILDING rows accept flushes: once a
// build is terminal its logs are final and a late flush must not clobber
// them.
func (s *Store) SetBuildLogs(ctx context.Context, buildID, logs string) error {
	return s.db.WithContext(ctx).Model(&Build{}).
		Where("id = ? AND status = ?", buildID, BuildStatusBuilding).
		Update("logs", logs).Error
}

// FinishBuild moves a BUILDING build to a terminal status with its final
// logs. A build that already reached a terminal status is left untouched, so
// concurrent finishers (a failed pipeline racing a user cancellation) cannot
// overwrite each other's transition.
func (s *Store) FinishBuild(ctx context.Context, buildID, status, logs string, errMsg *string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Build{}).
		Where("id = ? AND status = ?", buildID, BuildStatusBuilding).
		Updates(map[string]interface{}{
			"status":        status,
			"logs":          logs,
			"error_message": errMsg,
			"completed_at":  &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing Build
		if err := s.db.WithContext(ctx).First(&existing, "id = ?", buildID).Error; err != nil {
			return wrapNotFound(err)
		}
	}
	return nil
}

// UpsertBucketObject inserts or updates the row mirroring one stored object,
// then recomputes the parent bucket's aggregate counters.
func (s *Store) UpsertBucketObject(ctx context.Context, obj *BucketObject) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing BucketObject
		err := tx.Where("bucket_id = ? AND key = ? AND version_id = ?",
			obj.BucketID, obj.Key, obj.VersionID).First(&existing).Error
		switch {
		case err == nil:
			obj.ID = existing.ID
			return tx.Model(&existing).Updates(map[string]interface{}{
				"size":         obj.Size,
				"content_type": obj.ContentType,
				"e_tag":        obj.ETag,
				"metadata":     obj.Metadata,
				"is_public":    obj.IsPublic,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(obj).Error
		default:
			return err
		}
	})
	if err != nil {
		return err
	}
	return s.RecomputeBucketStats(ctx, obj.BucketID)
}

// DeleteBucketObject removes the mirror row for an object and recomputes the
// bucket counters. A missing row is not an error so deletes stay idempotent.
func (s *Store) DeleteBucketObject(ctx context.Context, bucketID, key, versionID string) error {
	if err := s.db.WithContext(ctx).
		Where("bucket_id = ? AND key = ? AND version_id = ?", bucketID, key, versionID).
		Delete(&BucketObject{}).Error; err != nil {
		return err
	}
	return s.RecomputeBucketStats(ctx, bucketID)
}

// RecomputeBucketStats resets objectCount and totalSizeBytes from the
// current child rows, restoring the aggregate invariant.
func (s *Store) RecomputeBucketStats(ctx context.Context, bucketID string) error {
	var stats struct {
		Count int64
		Total int64
	}
	if err := s.db.WithContext(ctx).Model(&BucketObject{}).
		Select("COUNT(*) as count, COALESCE(SUM(size), 0) as total").
		Where("bucket_id = ?", bucketID).
		Scan(&stats).Error; err != nil {
		return err
	}
	return Update[Bucket](ctx, s, bucketID, map[string]interface{}{
		"object_count":     stats.Count,
		"total_size_bytes": stats.Total,
	})
}
