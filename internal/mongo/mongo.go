// Package mongo implements the dispatcher's store interfaces against the two
// MongoDB databases: the control database used for system-wide communication
// and the runs database holding run metadata.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/goal"
	"github.com/dispatchd/dispatchd/internal/status"
)

// Collection names in the control database.
const (
	colNodeStatus      = "status"
	colIncomingCmds    = "detector_control"
	colAggregateStatus = "aggregate_status"
	colOutgoingCmds    = "control"
	colLog             = "log"
	colOptions         = "options"
	colCommandQueue    = "dispatcher_queue"
)

// Client wraps the two database connections and the collection handles the
// dispatcher reads and writes.
type Client struct {
	control *mongo.Client
	runs    *mongo.Client

	nodeStatus      *mongo.Collection
	incomingCmds    *mongo.Collection
	aggregateStatus *mongo.Collection
	outgoingCmds    *mongo.Collection
	logCol          *mongo.Collection
	optionsCol      *mongo.Collection
	commandQueue    *mongo.Collection
	runCol          *mongo.Collection

	log *log.Logger
}

// Connect opens both databases. Passwords come from the environment via the
// config's URI placeholders.
func Connect(ctx context.Context, cfg config.Mongo, logger *log.Logger) (*Client, error) {
	controlURI, err := cfg.ControlURIWithPassword()
	if err != nil {
		return nil, err
	}
	runsURI, err := cfg.RunsURIWithPassword()
	if err != nil {
		return nil, err
	}

	control, err := mongo.Connect(ctx, options.Client().ApplyURI(controlURI))
	if err != nil {
		return nil, fmt.Errorf("connecting to control database: %w", err)
	}
	runs, err := mongo.Connect(ctx, options.Client().ApplyURI(runsURI))
	if err != nil {
		_ = control.Disconnect(ctx)
		return nil, fmt.Errorf("connecting to runs database: %w", err)
	}

	controlDB := control.Database(cfg.ControlDB)
	c := &Client{
		control:         control,
		runs:            runs,
		nodeStatus:      controlDB.Collection(colNodeStatus),
		incomingCmds:    controlDB.Collection(colIncomingCmds),
		aggregateStatus: controlDB.Collection(colAggregateStatus),
		outgoingCmds:    controlDB.Collection(colOutgoingCmds),
		logCol:          controlDB.Collection(colLog),
		optionsCol:      controlDB.Collection(colOptions),
		commandQueue:    controlDB.Collection(colCommandQueue),
		runCol:          runs.Database(cfg.RunsDB).Collection(cfg.RunsCollection),
		log:             logger,
	}
	return c, nil
}

// Close disconnects both databases.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.control.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.runs.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("disconnecting: %v", errs)
	}
	return nil
}

// nodeStatusDoc is the wire shape of one node status report.
type nodeStatusDoc struct {
	Host       string    `bson:"host"`
	Status     *int      `bson:"status"`
	Rate       float64   `bson:"rate"`
	BufferSize float64   `bson:"buffer_size"`
	Time       time.Time `bson:"time"`
	Mode       string    `bson:"mode"`
	Number     *int64    `bson:"number"`
}

// NodeReport returns the latest status report from host, or nil if the host
// has never reported.
func (c *Client) NodeReport(ctx context.Context, host string) (*detector.NodeReport, error) {
	var doc nodeStatusDoc
	err := c.nodeStatus.FindOne(ctx,
		bson.M{"host": host},
		options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading status for %s: %w", host, err)
	}

	report := &detector.NodeReport{
		Host:       doc.Host,
		Rate:       doc.Rate,
		BufferSize: doc.BufferSize,
		Time:       doc.Time,
		Mode:       doc.Mode,
		Number:     -1,
	}
	if doc.Status != nil {
		report.Status = *doc.Status
		report.StatusOK = true
	}
	if doc.Number != nil {
		report.Number = *doc.Number
	}
	return report, nil
}

// FleetReports fetches the latest report for every configured host, grouped
// by detector.
func (c *Client) FleetReports(ctx context.Context, topo map[detector.ID]config.Nodes) (map[detector.ID]status.NodeStatuses, error) {
	fleet := make(map[detector.ID]status.NodeStatuses, len(topo))
	for det, nodes := range topo {
		ns := status.NodeStatuses{
			Readers:     make(map[string]*detector.NodeReport, len(nodes.Readers)),
			Controllers: make(map[string]*detector.NodeReport, len(nodes.Controller)),
		}
		for _, host := range nodes.Readers {
			doc, err := c.NodeReport(ctx, host)
			if err != nil {
				return nil, err
			}
			ns.Readers[host] = doc
		}
		for _, host := range nodes.Controller {
			doc, err := c.NodeReport(ctx, host)
			if err != nil {
				return nil, err
			}
			ns.Controllers[host] = doc
		}
		fleet[det] = ns
	}
	return fleet, nil
}

// InsertAggregate persists one detector's aggregate status for this tick.
func (c *Client) InsertAggregate(ctx context.Context, agg status.Aggregate) error {
	doc := bson.M{
		"status":   int(agg.Status),
		"detector": string(agg.Detector),
		"rate":     agg.Rate,
		"readers":  agg.Readers,
		"time":     agg.Time,
		"buff":     agg.Buffer,
		"mode":     agg.Mode,
	}
	if agg.Number >= 0 {
		doc["number"] = agg.Number
	} else {
		doc["number"] = nil
	}
	if _, err := c.aggregateStatus.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting aggregate status for %s: %w", agg.Detector, err)
	}
	return nil
}

// aggregateDoc mirrors the aggregate-status collection for reads.
type aggregateDoc struct {
	Status   int       `bson:"status"`
	Detector string    `bson:"detector"`
	Rate     float64   `bson:"rate"`
	Readers  int       `bson:"readers"`
	Time     time.Time `bson:"time"`
	Buff     float64   `bson:"buff"`
	Mode     string    `bson:"mode"`
	Number   *int64    `bson:"number"`
}

// LatestAggregates returns the most recent aggregate status per detector,
// for the status and top commands.
func (c *Client) LatestAggregates(ctx context.Context) (status.Snapshot, error) {
	snap := make(status.Snapshot, len(detector.All()))
	for _, det := range detector.All() {
		var doc aggregateDoc
		err := c.aggregateStatus.FindOne(ctx,
			bson.M{"detector": string(det)},
			options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}}),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading aggregate status for %s: %w", det, err)
		}
		agg := status.Aggregate{
			Detector: det,
			Status:   detector.Status(doc.Status),
			Rate:     doc.Rate,
			Buffer:   doc.Buff,
			Mode:     doc.Mode,
			Number:   -1,
			Readers:  doc.Readers,
			Time:     doc.Time,
		}
		if doc.Number != nil {
			agg.Number = *doc.Number
		}
		snap[det] = agg
	}
	return snap, nil
}

// LatestControl returns the most recent operator write to the given
// qualified control key, or nil if the key has never been written.
func (c *Client) LatestControl(ctx context.Context, key string) (*goal.ControlDoc, error) {
	var doc struct {
		Field string    `bson:"field"`
		Value string    `bson:"value"`
		Time  time.Time `bson:"time"`
		User  string    `bson:"user"`
	}
	err := c.incomingCmds.FindOne(ctx,
		bson.M{"key": key},
		options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading control key %s: %w", key, err)
	}
	return &goal.ControlDoc{Field: doc.Field, Value: doc.Value, Time: doc.Time, User: doc.User}, nil
}

// Mode returns the raw options document for the named run mode, or nil if it
// does not exist.
func (c *Client) Mode(ctx context.Context, name string) (map[string]any, error) {
	var doc bson.M
	err := c.optionsCol.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mode %q: %w", name, err)
	}
	return map[string]any(doc), nil
}

// InsertLog writes one document to the log collection.
func (c *Client) InsertLog(ctx context.Context, user, message string, priority int) error {
	_, err := c.logCol.InsertOne(ctx, bson.M{
		"user":     user,
		"message":  message,
		"priority": priority,
	})
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}
