package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/runs"
)

// NextRunNumber returns max(number)+1 across the runs collection, or 0 for
// an empty collection.
func (c *Client) NextRunNumber(ctx context.Context) (int64, error) {
	var doc struct {
		Number int64 `bson:"number"`
	}
	err := c.runCol.FindOne(ctx,
		bson.M{},
		options.FindOne().
			SetSort(bson.D{{Key: "number", Value: -1}}).
			SetProjection(bson.M{"number": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		c.log.Printf("Runs collection is empty, starting from run 0")
		return 0, nil
	}
	if err != nil {
		return -1, fmt.Errorf("reading last run number: %w", err)
	}
	return doc.Number + 1, nil
}

// InsertRun inserts the run document composed by the recorder.
func (c *Client) InsertRun(ctx context.Context, doc runs.Doc) error {
	run := bson.M{
		"number":    doc.Number,
		"detectors": doc.Detectors,
		"user":      doc.User,
		"mode":      doc.Mode,
		"bootstrax": bson.M{"state": nil},
		"end":       nil,
		"start":     doc.Start,
	}
	if doc.Config != nil {
		run["daq_config"] = doc.Config
	}
	if doc.SourceType != "" {
		run["source"] = bson.M{"type": doc.SourceType}
	}
	if doc.Comment != "" {
		run["comments"] = []bson.M{{
			"user":    doc.User,
			"date":    time.Now().UTC(),
			"comment": doc.Comment,
		}}
	}
	if doc.OutputLocation != "" {
		run["data"] = []bson.M{{
			"type":     "live",
			"host":     "daq",
			"location": doc.OutputLocation,
		}}
	}
	if doc.Messy {
		run["tags"] = []bson.M{{"name": "messy", "user": "daq", "date": doc.Start}}
	}
	if _, err := c.runCol.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("inserting run %d: %w", doc.Number, err)
	}
	return nil
}

// RunStart returns the start time of run number, or zero time if the run or
// its start field is missing.
func (c *Client) RunStart(ctx context.Context, number int64) (time.Time, error) {
	var doc struct {
		Start *time.Time `bson:"start"`
	}
	err := c.runCol.FindOne(ctx,
		bson.M{"number": number},
		options.FindOne().SetProjection(bson.M{"start": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading start of run %d: %w", number, err)
	}
	if doc.Start == nil {
		return time.Time{}, nil
	}
	return *doc.Start, nil
}

// CloseRun sets end on the still-open run matching (number, det). Matching
// on detectors uses Mongo's array-contains semantics, so a combined run
// closes through any of its member detectors. A forced stop pushes a messy
// tag. Reports whether a document was modified, making the close idempotent.
func (c *Client) CloseRun(ctx context.Context, number int64, det detector.ID, end time.Time, messy bool) (bool, error) {
	query := bson.M{"number": number, "end": nil, "detectors": string(det)}
	update := bson.M{"$set": bson.M{"end": end}}
	if messy {
		update["$push"] = bson.M{"tags": bson.M{
			"name": "messy",
			"user": "daq",
			"date": time.Now().UTC(),
		}}
	}
	res, err := c.runCol.UpdateOne(ctx, query, update)
	if err != nil {
		return false, fmt.Errorf("closing run %d: %w", number, err)
	}
	return res.ModifiedCount == 1, nil
}

// RunRates summarises the aggregate-status samples scoped to the run into
// per-detector average and maximum rates.
func (c *Client) RunRates(ctx context.Context, number int64) (map[string]runs.RateStats, error) {
	cursor, err := c.aggregateStatus.Aggregate(ctx, []bson.M{
		{"$match": bson.M{"number": number}},
		{"$group": bson.M{
			"_id": "$detector",
			"avg": bson.M{"$avg": "$rate"},
			"max": bson.M{"$max": "$rate"},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("summarising rates for run %d: %w", number, err)
	}
	defer cursor.Close(ctx)

	rates := make(map[string]runs.RateStats)
	for cursor.Next(ctx) {
		var doc struct {
			Detector string  `bson:"_id"`
			Avg      float64 `bson:"avg"`
			Max      float64 `bson:"max"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding rate summary: %w", err)
		}
		rates[doc.Detector] = runs.RateStats{Avg: doc.Avg, Max: doc.Max}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterating rate summary: %w", err)
	}
	return rates, nil
}

// SetRunRates persists the rate summary on the run document.
func (c *Client) SetRunRates(ctx context.Context, number int64, rates map[string]runs.RateStats) error {
	doc := bson.M{}
	for det, stats := range rates {
		doc[det] = bson.M{"avg": stats.Avg, "max": stats.Max}
	}
	_, err := c.runCol.UpdateOne(ctx,
		bson.M{"number": number},
		bson.M{"$set": bson.M{"rate": doc}},
	)
	if err != nil {
		return fmt.Errorf("persisting rates for run %d: %w", number, err)
	}
	return nil
}
