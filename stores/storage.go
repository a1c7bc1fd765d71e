package stores

import (
	"canvas-sync/core"
	"canvas-sync/stores/aws"
	"canvas-sync/stores/filesystem"
	"canvas-sync/stores/memory"
	"canvas-sync/stores/sqlite"
	"os"

	"github.com/sirupsen/logrus"
)

// Store is the authoritative backend: object state plus canvas metadata.
type Store interface {
	core.ObjectStore
	core.CanvasMetaStore
}

// GetStore selects the authoritative backend from STORAGE_TYPE.
func GetStore() Store {
	storageType := os.Getenv("STORAGE_TYPE")
	var store Store

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "canvas-sync.db" // Default filename
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}

// GetSnapshotStore selects the snapshot archive backend from
// SNAPSHOT_STORAGE_TYPE.
func GetSnapshotStore() core.SnapshotStore {
	storageType := os.Getenv("SNAPSHOT_STORAGE_TYPE")
	storageField := logrus.Fields{
		"snapshotStorageType": storageType,
	}

	var store core.SnapshotStore
	switch storageType {
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 snapshot storage")
		}
		storageField["bucketName"] = bucketName
		store = aws.NewStore(bucketName)
	default:
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		if basePath == "" {
			basePath = "./data" // Default path
		}
		storageField["basePath"] = basePath
		storageField["snapshotStorageType"] = "filesystem"
		store = filesystem.NewStore(basePath)
	}
	logrus.WithFields(storageField).Info("Use snapshot storage")
	return store
}
