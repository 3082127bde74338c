// Package catalog is the Mongo-backed store for File records (spec §4.9):
// the `files`, `encode_errors`, and `integrity_errors` collections, lean
// projected candidate queries, and an upsert with a single bounded retry on
// a failed write (upserts are written immediately, not debounced).
//
// Grounded on the teacher's internal/repository/mongo package (Repository
// struct wrapping one *mongo.Collection, Create/Update/Get/List/Delete,
// EnsureIndexes via CreateMany) — generalized from a single torrent-record
// collection into three collections serving the catalog, encode-error log,
// and integrity-error log, and from a full-document List into the lean
// SortFields/JobDescriptor projection the candidate generator needs.
package catalog

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

// Store wraps the files/encode_errors/integrity_errors collections.
type Store struct {
	files           *mongo.Collection
	encodeErrors    *mongo.Collection
	integrityErrors *mongo.Collection
}

func NewStore(client *mongo.Client, dbName, filesCollection string) *Store {
	db := client.Database(dbName)
	return &Store{
		files:           db.Collection(filesCollection),
		encodeErrors:    db.Collection("encode_errors"),
		integrityErrors: db.Collection("integrity_errors"),
	}
}

// Connect dials Mongo with extra client options (e.g. otelmongo's command
// monitor), matching the teacher's thin Connect wrapper.
func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

// FilesCollection exposes the underlying files collection for callers that
// need raw driver access (e.g. the notify package's change stream watch),
// matching the teacher's practice of handing *mongo.Collection straight to
// collaborators rather than wrapping every possible query.
func (s *Store) FilesCollection() *mongo.Collection {
	return s.files
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	fileIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "path", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "encodeVersion", Value: 1}}},
		{Keys: bson.D{{Key: "integrityChecked", Value: 1}}},
		{Keys: bson.D{{Key: "sortFields.priority", Value: 1}, {Key: "sortFields.size", Value: -1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	if _, err := s.files.Indexes().CreateMany(ctx, fileIndexes); err != nil {
		return err
	}

	errIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "path", Value: 1}}},
		{Keys: bson.D{{Key: "occurredAt", Value: -1}}},
	}
	if _, err := s.encodeErrors.Indexes().CreateMany(ctx, errIndexes); err != nil {
		return err
	}
	_, err := s.integrityErrors.Indexes().CreateMany(ctx, errIndexes)
	return err
}

// Upsert writes f keyed on Path, retrying once after an exponential
// backoff delay if the write fails for any reason. Each call writes
// immediately; calls are not debounced or coalesced.
func (s *Store) Upsert(ctx context.Context, f domain.File) error {
	f.UpdatedAt = time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = f.UpdatedAt
	}
	filter := bson.M{"path": f.Path}
	update := bson.M{"$set": f}
	opts := options.Update().SetUpsert(true)

	operation := func() (struct{}, error) {
		_, err := s.files.UpdateOne(ctx, filter, update, opts)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
	return err
}

func (s *Store) FindByID(ctx context.Context, id string) (domain.File, error) {
	var f domain.File
	err := s.files.FindOne(ctx, bson.M{"_id": id}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.File{}, domain.ErrNotFound
	}
	return f, err
}

func (s *Store) FindByPath(ctx context.Context, path string) (domain.File, error) {
	var f domain.File
	err := s.files.FindOne(ctx, bson.M{"path": path}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.File{}, domain.ErrNotFound
	}
	return f, err
}

// candidateProjection is the lean projection the candidate generator reads:
// id/path/computeScore/sortFields only, no probe payload.
var candidateProjection = bson.D{
	{Key: "_id", Value: 1},
	{Key: "path", Value: 1},
	{Key: "computeScore", Value: 1},
	{Key: "sortFields", Value: 1},
}

// FindTranscodeCandidates returns eligible, lean-projected job descriptors
// for the transcode scheduler: pending status, encode version mismatch,
// not in excludeIDs, sorted by priority then size descending.
func (s *Store) FindTranscodeCandidates(ctx context.Context, currentEncodeVersion string, excludeIDs []string, limit int) ([]domain.JobDescriptor, error) {
	query := bson.M{
		"status":        string(domain.StatusPending),
		"encodeVersion": bson.M{"$ne": currentEncodeVersion},
	}
	if len(excludeIDs) > 0 {
		query["_id"] = bson.M{"$nin": excludeIDs}
	}
	return s.findJobDescriptors(ctx, query, limit)
}

// FindIntegrityCandidates returns files whose encode matches the current
// version but have not yet passed an integrity check.
func (s *Store) FindIntegrityCandidates(ctx context.Context, currentEncodeVersion string, excludeIDs []string, limit int) ([]domain.JobDescriptor, error) {
	query := bson.M{
		"status":           string(domain.StatusComplete),
		"encodeVersion":    currentEncodeVersion,
		"integrityChecked": false,
	}
	if len(excludeIDs) > 0 {
		query["_id"] = bson.M{"$nin": excludeIDs}
	}
	return s.findJobDescriptors(ctx, query, limit)
}

func (s *Store) findJobDescriptors(ctx context.Context, query bson.M, limit int) ([]domain.JobDescriptor, error) {
	opts := options.Find().
		SetProjection(candidateProjection).
		SetSort(bson.D{{Key: "sortFields.priority", Value: 1}, {Key: "sortFields.size", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.files.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []domain.File
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]domain.JobDescriptor, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.JobDescriptor{ID: d.ID, Path: d.Path, ComputeScore: d.ComputeScore, SortFields: d.SortFields})
	}
	return out, nil
}

// List applies a general filter, matching the teacher's List shape
// (status/search/sort/limit), extended with the EncodeVersion mismatch and
// exclude-id filters this domain needs.
func (s *Store) List(ctx context.Context, filter domain.Filter) ([]domain.File, error) {
	query := bson.M{}
	if filter.Status != nil {
		query["status"] = string(*filter.Status)
	}
	if filter.EncodeVer != "" {
		query["encodeVersion"] = bson.M{"$ne": filter.EncodeVer}
	}
	if len(filter.Exclude) > 0 {
		query["_id"] = bson.M{"$nin": filter.Exclude}
	}
	search := strings.TrimSpace(filter.Search)
	if search != "" {
		query["path"] = bson.M{"$regex": regexp.QuoteMeta(search), "$options": "i"}
	}

	sortBy := strings.TrimSpace(filter.SortBy)
	if sortBy == "" {
		sortBy = "updatedAt"
	}
	direction := -1
	if !filter.SortDesc {
		direction = 1
	}

	opts := options.Find().SetSort(bson.D{{Key: sortBy, Value: direction}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.files.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []domain.File
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) Count(ctx context.Context, filter domain.Filter) (int64, error) {
	query := bson.M{}
	if filter.Status != nil {
		query["status"] = string(*filter.Status)
	}
	return s.files.CountDocuments(ctx, query)
}

// UpdateStatus transitions a file's status and, on failure, records the
// structured error both inline on the File document and in encode_errors.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.FileStatus, errInfo *domain.ErrorInfo) error {
	set := bson.M{"status": string(status), "updatedAt": time.Now().UTC()}
	if errInfo != nil {
		set["error"] = errInfo
	} else {
		set["error"] = nil
	}

	res, err := s.files.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkIntegrityChecked flips the integrityChecked flag for id.
func (s *Store) MarkIntegrityChecked(ctx context.Context, id string, ok bool) error {
	res, err := s.files.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"integrityChecked": ok, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BulkSetPriority applies a priority override to many files in one round
// trip, grounded on the teacher's bulk-update needs for tag updates,
// generalized to Mongo's BulkWrite API.
func (s *Store) BulkSetPriority(ctx context.Context, idToPriority map[string]int) error {
	if len(idToPriority) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(idToPriority))
	for id, priority := range idToPriority {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id}).
			SetUpdate(bson.M{"$set": bson.M{"sortFields.priority": priority, "updatedAt": time.Now().UTC()}}),
		)
	}
	_, err := s.files.BulkWrite(ctx, models)
	return err
}

func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.files.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// RecordEncodeError appends an encode failure to the encode_errors
// collection, independent of the inline Error snapshot on the File record.
func (s *Store) RecordEncodeError(ctx context.Context, rec domain.ErrorRecord) error {
	rec.OccurredAt = time.Now().UTC()
	_, err := s.encodeErrors.InsertOne(ctx, rec)
	return err
}

// RecordIntegrityError appends an integrity-check failure.
func (s *Store) RecordIntegrityError(ctx context.Context, rec domain.ErrorRecord) error {
	rec.OccurredAt = time.Now().UTC()
	_, err := s.integrityErrors.InsertOne(ctx, rec)
	return err
}
