package catalog

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ResourceSettings is the operator-overridable subset of resource.Thresholds,
// stored in a single "settings" document so a running orchestrator can be
// retuned without a restart by an external operator tool.
//
// Grounded on the teacher's StorageSettingsRepository
// (internal/repository/mongo/storage_settings.go): a single fixed-id
// document in a "settings" collection, upserted, with zero-value fields
// left for the caller to treat as "not set."
type ResourceSettings struct {
	MaxMemoryScore float64
	MaxCPUScore    float64

	MemoryThreshold1 float64
	MemoryThreshold2 float64
	CPURatioThreshold1 float64
	CPURatioThreshold2 float64
}

const resourceSettingsID = "resource"

type resourceSettingsDoc struct {
	ID                 string  `bson:"_id"`
	MaxMemoryScore     float64 `bson:"maxMemoryScore"`
	MaxCPUScore        float64 `bson:"maxCpuScore"`
	MemoryThreshold1   float64 `bson:"memoryThreshold1"`
	MemoryThreshold2   float64 `bson:"memoryThreshold2"`
	CPURatioThreshold1 float64 `bson:"cpuRatioThreshold1"`
	CPURatioThreshold2 float64 `bson:"cpuRatioThreshold2"`
	UpdatedAt          int64   `bson:"updatedAt"`
}

// GetResourceSettings returns the stored override document, if one exists.
func (s *Store) GetResourceSettings(ctx context.Context) (ResourceSettings, bool, error) {
	settings := s.files.Database().Collection("settings")
	var doc resourceSettingsDoc
	err := settings.FindOne(ctx, bson.M{"_id": resourceSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ResourceSettings{}, false, nil
		}
		return ResourceSettings{}, false, err
	}
	return ResourceSettings{
		MaxMemoryScore:     doc.MaxMemoryScore,
		MaxCPUScore:        doc.MaxCPUScore,
		MemoryThreshold1:   doc.MemoryThreshold1,
		MemoryThreshold2:   doc.MemoryThreshold2,
		CPURatioThreshold1: doc.CPURatioThreshold1,
		CPURatioThreshold2: doc.CPURatioThreshold2,
	}, true, nil
}

// SetResourceSettings upserts the override document, for an external
// operator tool to retune thresholds without a restart.
func (s *Store) SetResourceSettings(ctx context.Context, rs ResourceSettings) error {
	settings := s.files.Database().Collection("settings")
	update := bson.M{"$set": bson.M{
		"maxMemoryScore":     rs.MaxMemoryScore,
		"maxCpuScore":        rs.MaxCPUScore,
		"memoryThreshold1":   rs.MemoryThreshold1,
		"memoryThreshold2":   rs.MemoryThreshold2,
		"cpuRatioThreshold1": rs.CPURatioThreshold1,
		"cpuRatioThreshold2": rs.CPURatioThreshold2,
		"updatedAt":          time.Now().Unix(),
	}}
	_, err := settings.UpdateOne(ctx, bson.M{"_id": resourceSettingsID}, update, options.Update().SetUpsert(true))
	return err
}
