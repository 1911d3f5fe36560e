package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentcast/internal/domain"
)

type watchPositionDoc struct {
	ID        string  `bson:"_id"`
	SourceURI string  `bson:"sourceUri"`
	FileIndex int     `bson:"fileIndex"`
	Position  float64 `bson:"position"`
	Duration  float64 `bson:"duration"`
	Title     string  `bson:"title"`
	FilePath  string  `bson:"filePath"`
	UpdatedAt int64   `bson:"updatedAt"`
}

func watchDocID(sourceURI string, fileIndex int) string {
	return fmt.Sprintf("%s:%d", sourceURI, fileIndex)
}

func (s *Store) Upsert(ctx context.Context, wp domain.WatchPosition) error {
	update := bson.M{
		"$set": bson.M{
			"sourceUri": wp.SourceURI,
			"fileIndex": wp.FileIndex,
			"position":  wp.Position,
			"duration":  wp.Duration,
			"title":     wp.Title,
			"filePath":  wp.FilePath,
			"updatedAt": time.Now().Unix(),
		},
	}
	_, err := s.watchHistory.UpdateOne(
		ctx,
		bson.M{"_id": watchDocID(wp.SourceURI, wp.FileIndex)},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return err
	}
	return s.trimWatchHistory(ctx)
}

// trimWatchHistory drops everything past the newest WatchHistoryLimit entries.
func (s *Store) trimWatchHistory(ctx context.Context) error {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetSkip(int64(domain.WatchHistoryLimit)).
		SetProjection(bson.M{"_id": 1})
	cursor, err := s.watchHistory.Find(ctx, bson.M{}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	var stale []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &stale); err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]string, 0, len(stale))
	for _, doc := range stale {
		ids = append(ids, doc.ID)
	}
	_, err = s.watchHistory.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.WatchPosition, error) {
	if limit <= 0 || limit > domain.WatchHistoryLimit {
		limit = domain.WatchHistoryLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.watchHistory.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []watchPositionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	positions := make([]domain.WatchPosition, 0, len(docs))
	for _, doc := range docs {
		positions = append(positions, watchDocToPosition(doc))
	}
	return positions, nil
}

func (s *Store) Delete(ctx context.Context, sourceURI string, fileIndex int) error {
	_, err := s.watchHistory.DeleteOne(ctx, bson.M{"_id": watchDocID(sourceURI, fileIndex)})
	return err
}

func watchDocToPosition(doc watchPositionDoc) domain.WatchPosition {
	return domain.WatchPosition{
		SourceURI: doc.SourceURI,
		FileIndex: doc.FileIndex,
		Position:  doc.Position,
		Duration:  doc.Duration,
		Title:     doc.Title,
		FilePath:  doc.FilePath,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}
