package storage

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

// mongoStore keeps jobs as documents in scheduled_messages, one per recipient.
type mongoStore struct {
	client *mongod.Client
	col    *mongod.Collection
	log    logx.Logger
}

var _ job.Store = (*mongoStore)(nil)

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (job.Store, error) {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	dbName := strings.TrimSpace(cfg.MongoDB)
	if dbName == "" {
		dbName = "cronjob"
	}

	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	col := client.Database(dbName).Collection(Collection)
	_, err = col.Indexes().CreateMany(pctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "send_at", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "send_at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongo job store opened", logx.String("db", dbName))
	return &mongoStore{client: client, col: col, log: log}, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) Insert(ctx context.Context, j *job.Job) error {
	// BSON datetimes keep milliseconds; round up so a reload never fires early.
	doc := j.Clone()
	doc.SendAt = job.CeilMillis(doc.SendAt)
	_, err := s.col.InsertOne(ctx, doc)
	return job.Persist("insert", err)
}

func (s *mongoStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if isNoDocuments(err) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Persist("get", err)
	}
	return normalize(&j), nil
}

func (s *mongoStore) FindPending(ctx context.Context) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "send_at", Value: 1}, {Key: "_id", Value: 1}})
		cur, err := s.col.Find(ctx, bson.M{"status": string(job.StatusScheduled)}, opts)
		if err != nil {
			yield(nil, job.Persist("find pending", err))
			return
		}
		defer cur.Close(context.Background())
		for cur.Next(ctx) {
			var j job.Job
			if err := cur.Decode(&j); err != nil {
				if !yield(nil, job.Persist("find pending", err)) {
					return
				}
				continue
			}
			if !yield(normalize(&j), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, job.Persist("find pending", err))
		}
	}
}

func (s *mongoStore) CompareAndSetStatus(ctx context.Context, id string, expected, next job.Status, f job.Fields) (bool, error) {
	set := bson.M{"status": string(next)}
	if !f.SentAt.IsZero() {
		set["sent_at"] = f.SentAt.UTC()
	}
	if !f.FailedAt.IsZero() {
		set["failed_at"] = f.FailedAt.UTC()
	}
	if f.Error != "" {
		set["error"] = f.Error
	}
	if f.ResponseStatus != 0 {
		set["response_status"] = f.ResponseStatus
	}
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(expected)},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, job.Persist("update status", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	n, err := s.col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, job.Persist("update status", err)
	}
	if n == 0 {
		return false, job.ErrNotFound
	}
	return false, nil
}

func (s *mongoStore) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	q := bson.M{}
	if len(filter.Status) > 0 {
		sts := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			sts[i] = string(st)
		}
		q["status"] = bson.M{"$in": sts}
	}
	if filter.UserID != "" {
		q["userId"] = filter.UserID
	}
	rng := bson.M{}
	if !filter.From.IsZero() {
		rng["$gte"] = filter.From.UTC()
	}
	if !filter.To.IsZero() {
		rng["$lte"] = filter.To.UTC()
	}
	if len(rng) > 0 {
		q["send_at"] = rng
	}

	opts := options.Find().SetSort(bson.D{{Key: "send_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.col.Find(ctx, q, opts)
	if err != nil {
		return nil, job.Persist("list", err)
	}
	var out []*job.Job
	if err := cur.All(ctx, &out); err != nil {
		return nil, job.Persist("list", err)
	}
	for _, j := range out {
		normalize(j)
	}
	return out, nil
}

func normalize(j *job.Job) *job.Job {
	j.SendAt = j.SendAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return j
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}
