package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"halfcircuit/searchcoordinator/internal/domain"
)

const (
	collectionName     = "recent_searches"
	defaultListLimit   = 20
	maxListLimit       = 100
	maxStoredErrLength = 500
)

type recentDoc struct {
	ID          string     `bson:"_id"`
	UserID      string     `bson:"userId"`
	Query       string     `bson:"query"`
	Status      string     `bson:"status"`
	StartedAt   time.Time  `bson:"startedAt"`
	FinishedAt  *time.Time `bson:"finishedAt,omitempty"`
	ResultCount int        `bson:"resultCount"`
	Error       string     `bson:"error,omitempty"`
}

// Repository stores one document per user-initiated search run.
type Repository struct {
	collection *mongo.Collection
}

func NewRepository(client *mongo.Client, dbName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "startedAt", Value: -1}},
	})
	return err
}

// Record inserts or overwrites the run identified by item.ID.
func (r *Repository) Record(ctx context.Context, item domain.RecentSearch) error {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.UserID) == "" {
		return domain.ErrInvalidQuery
	}
	doc := toDoc(item)
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$set": bson.M{
			"userId":      doc.UserID,
			"query":       doc.Query,
			"status":      doc.Status,
			"startedAt":   doc.StartedAt,
			"resultCount": doc.ResultCount,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Complete stores the terminal fields of a previously recorded run.
func (r *Repository) Complete(ctx context.Context, item domain.RecentSearch) error {
	set := bson.M{
		"status":      string(item.Status),
		"resultCount": item.ResultCount,
		"error":       truncate(item.Error, maxStoredErrLength),
	}
	if item.FinishedAt != nil {
		set["finishedAt"] = item.FinishedAt.UTC()
	}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": item.ID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) ListRecent(ctx context.Context, userID string, limit int) ([]domain.RecentSearch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []recentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	items := make([]domain.RecentSearch, 0, len(docs))
	for _, doc := range docs {
		items = append(items, fromDoc(doc))
	}
	return items, nil
}

func (r *Repository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "userId": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) Clear(ctx context.Context, userID string) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func toDoc(item domain.RecentSearch) recentDoc {
	doc := recentDoc{
		ID:          item.ID,
		UserID:      item.UserID,
		Query:       item.Query,
		Status:      string(item.Status),
		StartedAt:   item.StartedAt.UTC(),
		ResultCount: item.ResultCount,
		Error:       truncate(item.Error, maxStoredErrLength),
	}
	if item.FinishedAt != nil {
		finishedAt := item.FinishedAt.UTC()
		doc.FinishedAt = &finishedAt
	}
	return doc
}

func fromDoc(doc recentDoc) domain.RecentSearch {
	item := domain.RecentSearch{
		ID:          doc.ID,
		UserID:      doc.UserID,
		Query:       doc.Query,
		Status:      domain.TaskStatus(doc.Status),
		StartedAt:   doc.StartedAt.UTC(),
		ResultCount: doc.ResultCount,
		Error:       doc.Error,
	}
	if doc.FinishedAt != nil {
		finishedAt := doc.FinishedAt.UTC()
		item.FinishedAt = &finishedAt
	}
	return item
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

// IsNotFound reports whether err means the run does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
