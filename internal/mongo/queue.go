package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dispatchd/dispatchd/internal/cmdqueue"
	"github.com/dispatchd/dispatchd/internal/detector"
)

// commandDoc is the wire shape shared by the command queue and the outgoing
// collection. Acknowledged maps each target host to 0 until the host acks,
// then to a timestamp.
type commandDoc struct {
	CID             string         `bson:"cid"`
	Command         string         `bson:"command"`
	User            string         `bson:"user"`
	Detector        string         `bson:"detector"`
	Mode            string         `bson:"mode"`
	OptionsOverride map[string]any `bson:"options_override"`
	Host            []string       `bson:"host"`
	Acknowledged    bson.M         `bson:"acknowledged"`
	CreatedAt       time.Time      `bson:"createdAt"`
}

func toCommandDoc(cmd cmdqueue.Command) commandDoc {
	doc := commandDoc{
		CID:             cmd.CID,
		Command:         string(cmd.Command),
		User:            cmd.User,
		Detector:        string(cmd.Detector),
		Mode:            cmd.Mode,
		OptionsOverride: map[string]any{"number": nil},
		Host:            cmd.Hosts,
		Acknowledged:    bson.M{},
		CreatedAt:       cmd.CreatedAt,
	}
	if cmd.NumberOverride != nil {
		doc.OptionsOverride["number"] = *cmd.NumberOverride
	}
	for _, h := range cmd.Hosts {
		doc.Acknowledged[h] = 0
	}
	return doc
}

func (d commandDoc) toCommand() *cmdqueue.Command {
	cmd := &cmdqueue.Command{
		CID:       d.CID,
		Command:   cmdqueue.Kind(d.Command),
		User:      d.User,
		Detector:  detector.ID(d.Detector),
		Mode:      d.Mode,
		Hosts:     d.Host,
		CreatedAt: d.CreatedAt,
	}
	if raw, ok := d.OptionsOverride["number"]; ok {
		switch n := raw.(type) {
		case int64:
			cmd.NumberOverride = &n
		case int32:
			v := int64(n)
			cmd.NumberOverride = &v
		}
	}
	return cmd
}

// Push appends command records to the durable queue.
func (c *Client) Push(ctx context.Context, cmds []cmdqueue.Command) error {
	docs := make([]any, len(cmds))
	for i, cmd := range cmds {
		docs[i] = toCommandDoc(cmd)
	}
	if _, err := c.commandQueue.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("pushing commands: %w", err)
	}
	return nil
}

// NextPending returns the queued record with the earliest visibility time.
func (c *Client) NextPending(ctx context.Context) (*cmdqueue.Command, error) {
	var doc commandDoc
	err := c.commandQueue.FindOne(ctx,
		bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading command queue: %w", err)
	}
	return doc.toCommand(), nil
}

// Promote moves the record with the given CID from the queue into the
// outgoing collection where node agents consume it.
func (c *Client) Promote(ctx context.Context, cid string) error {
	var doc commandDoc
	err := c.commandQueue.FindOne(ctx, bson.M{"cid": cid}).Decode(&doc)
	if err != nil {
		return fmt.Errorf("reading queued command %s: %w", cid, err)
	}
	if _, err := c.outgoingCmds.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("promoting command %s: %w", cid, err)
	}
	if _, err := c.commandQueue.DeleteOne(ctx, bson.M{"cid": cid}); err != nil {
		return fmt.Errorf("dequeueing command %s: %w", cid, err)
	}
	return nil
}

// AckTime returns when host acknowledged the outgoing command with the given
// CID. ok is false while the host has not acked yet.
func (c *Client) AckTime(ctx context.Context, cid, host string) (time.Time, bool, error) {
	var doc struct {
		Acknowledged map[string]any `bson:"acknowledged"`
	}
	err := c.outgoingCmds.FindOne(ctx, bson.M{
		"cid": cid,
		fmt.Sprintf("acknowledged.%s", host): bson.M{"$ne": 0},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading ack for %s: %w", cid, err)
	}
	switch ts := doc.Acknowledged[host].(type) {
	case time.Time:
		return ts, true, nil
	case primitive.DateTime:
		return ts.Time(), true, nil
	}
	return time.Time{}, false, nil
}
