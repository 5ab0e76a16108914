package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chanrelay/internal/domain"
	logx "chanrelay/pkg/logx"
)

// jobDoc is the BSON shape of a job. End is nil for an unbounded range.
type jobDoc struct {
	ID               string         `bson:"_id"`
	Key              string         `bson:"key,omitempty"`
	Owner            int64          `bson:"owner"`
	Source           string         `bson:"source"`
	Target           string         `bson:"target"`
	StartID          int64          `bson:"start_id"`
	EndID            *int64         `bson:"end_id"`
	BatchSize        int            `bson:"batch_size"`
	IntervalMinutes  int            `bson:"interval_minutes"`
	RetentionMinutes int            `bson:"retention_minutes"`
	Filter           string         `bson:"filter"`
	Caption          string         `bson:"caption,omitempty"`
	Button           *domain.Button `bson:"button,omitempty"`
	Active           bool           `bson:"active"`
	Cursor           int64          `bson:"cursor"`
	CreatedAt        time.Time      `bson:"created_at"`
	UpdatedAt        time.Time      `bson:"updated_at"`
}

func toJobDoc(j *domain.Job) jobDoc {
	return jobDoc{
		ID: j.ID, Key: j.Key, Owner: j.Owner,
		Source: string(j.Source), Target: string(j.Target),
		StartID: j.StartID, EndID: j.End.Raw(),
		BatchSize: j.BatchSize, IntervalMinutes: j.IntervalMinutes, RetentionMinutes: j.RetentionMinutes,
		Filter: string(j.Filter), Caption: j.Caption, Button: j.Button,
		Active: j.Active, Cursor: j.Cursor, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func (d jobDoc) job() *domain.Job {
	return &domain.Job{
		ID: d.ID, Key: d.Key, Owner: d.Owner,
		Source: domain.ChatRef(d.Source), Target: domain.ChatRef(d.Target),
		StartID: d.StartID, End: domain.EndFromRaw(d.EndID),
		BatchSize: d.BatchSize, IntervalMinutes: d.IntervalMinutes, RetentionMinutes: d.RetentionMinutes,
		Filter: domain.FilterKind(d.Filter), Caption: d.Caption, Button: d.Button,
		Active: d.Active, Cursor: d.Cursor, CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
	}
}

type ownerStateDoc struct {
	Owner     int64     `bson:"_id"`
	State     []byte    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// mongoStore keeps jobs, forward records and owner state in three collections.
type mongoStore struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	forwards *mongo.Collection
	states   *mongo.Collection
	log      logx.Logger
	now      func() time.Time
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.DSN)
	if uri == "" {
		return nil, errors.New("storage.dsn is required for mongo driver")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "chanrelay"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	st, err := newMongoStore(ctx, client, client.Database(dbName), log)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}

func newMongoStore(ctx context.Context, client *mongo.Client, db *mongo.Database, log logx.Logger) (*mongoStore, error) {
	s := &mongoStore{
		client:   client,
		jobs:     db.Collection("jobs"),
		forwards: db.Collection("forwards"),
		states:   db.Collection("owner_state"),
		log:      log,
		now:      time.Now,
	}
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "owner", Value: 1}}},
		{Keys: bson.D{{Key: "active", Value: 1}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create job indexes")
	}
	_, err = s.forwards.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "forwarded_at", Value: 1}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create forward index")
	}
	return s, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	rec, err := prepareNew(job, s.now())
	if err != nil {
		return nil, err
	}
	// Mongo keeps millisecond precision.
	rec.CreatedAt = rec.CreatedAt.Truncate(time.Millisecond)
	rec.UpdatedAt = rec.CreatedAt
	if _, err := s.jobs.InsertOne(ctx, toJobDoc(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, keyConflict(rec.Key)
		}
		return nil, errors.Wrap(err, "insert job")
	}
	return rec, nil
}

func (s *mongoStore) findOne(ctx context.Context, filter bson.M, what string) (*domain.Job, error) {
	var d jobDoc
	err := s.jobs.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, jobNotFound(what)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find job")
	}
	return d.job(), nil
}

func (s *mongoStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.findOne(ctx, bson.M{"_id": id}, id)
}

func (s *mongoStore) GetJobByKey(ctx context.Context, key string) (*domain.Job, error) {
	return s.findOne(ctx, bson.M{"key": key}, "key="+key)
}

func (s *mongoStore) UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil {
		return nil, jobNotFound("")
	}
	cur, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	next, err := applySettings(cur, job, s.now().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}
	d := toJobDoc(next)
	set := bson.M{
		"owner": d.Owner, "source": d.Source, "target": d.Target,
		"start_id": d.StartID, "end_id": d.EndID, "batch_size": d.BatchSize,
		"interval_minutes": d.IntervalMinutes, "retention_minutes": d.RetentionMinutes,
		"filter": d.Filter, "caption": d.Caption, "button": d.Button, "updated_at": d.UpdatedAt,
	}
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": job.ID}, bson.M{"$set": set})
	if err != nil {
		return nil, errors.Wrap(err, "update job")
	}
	if res.MatchedCount == 0 {
		return nil, jobNotFound(job.ID)
	}
	return next, nil
}

func (s *mongoStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"active": active, "updated_at": s.now()}})
	if err != nil {
		return errors.Wrap(err, "set active")
	}
	if res.MatchedCount == 0 {
		return jobNotFound(id)
	}
	return nil
}

func (s *mongoStore) AdvanceCursor(ctx context.Context, id string, cursor int64) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"cursor": 1})
	var out struct {
		Cursor int64 `bson:"cursor"`
	}
	err := s.jobs.FindOneAndUpdate(ctx, bson.M{"_id": id, "active": true},
		bson.M{"$max": bson.M{"cursor": cursor}, "$set": bson.M{"updated_at": s.now()}}, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, gerr := s.GetJob(ctx, id)
		if gerr != nil {
			return 0, gerr
		}
		return cur.Cursor, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "advance cursor")
	}
	return out.Cursor, nil
}

func (s *mongoStore) ResetJob(ctx context.Context, id string) (*domain.Job, error) {
	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"cursor": cur.InitialCursor(), "updated_at": s.now()}})
	if err != nil {
		return nil, errors.Wrap(err, "reset cursor")
	}
	if res.MatchedCount == 0 {
		return nil, jobNotFound(id)
	}
	if _, err := s.forwards.DeleteMany(ctx, bson.M{"job_id": id}); err != nil {
		return nil, errors.Wrap(err, "reset forwards")
	}
	return s.GetJob(ctx, id)
}

func (s *mongoStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.jobs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if res.DeletedCount == 0 {
		return jobNotFound(id)
	}
	_, err = s.forwards.DeleteMany(ctx, bson.M{"job_id": id})
	return errors.Wrap(err, "delete forwards")
}

func (s *mongoStore) list(ctx context.Context, filter bson.M) ([]*domain.Job, error) {
	cur, err := s.jobs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	var docs []jobDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode jobs")
	}
	out := make([]*domain.Job, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.job())
	}
	return out, nil
}

func (s *mongoStore) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.list(ctx, bson.M{})
}

func (s *mongoStore) ListJobsByOwner(ctx context.Context, owner int64) ([]*domain.Job, error) {
	return s.list(ctx, bson.M{"owner": owner})
}

func (s *mongoStore) ListActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.list(ctx, bson.M{"active": true})
}

func (s *mongoStore) AppendForward(ctx context.Context, rec domain.ForwardRecord) error {
	if rec.ForwardedAt.IsZero() {
		rec.ForwardedAt = s.now()
	}
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": rec.JobID, "active": true})
	if err != nil {
		return errors.Wrap(err, "check job active")
	}
	if n == 0 {
		return nil
	}
	_, err = s.forwards.InsertOne(ctx, rec)
	return errors.Wrap(err, "append forward")
}

func (s *mongoStore) ExpiredForwards(ctx context.Context, jobID string, before time.Time) ([]domain.ForwardRecord, error) {
	cur, err := s.forwards.Find(ctx,
		bson.M{"job_id": jobID, "forwarded_at": bson.M{"$lt": before}},
		options.Find().SetSort(bson.D{{Key: "forwarded_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "query expired forwards")
	}
	var out []domain.ForwardRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode forwards")
	}
	for i := range out {
		out[i].ForwardedAt = out[i].ForwardedAt.UTC()
	}
	return out, nil
}

func (s *mongoStore) DeleteForwards(ctx context.Context, jobID string, destIDs []int64) error {
	if len(destIDs) == 0 {
		return nil
	}
	_, err := s.forwards.DeleteMany(ctx, bson.M{"job_id": jobID, "dest_id": bson.M{"$in": destIDs}})
	return errors.Wrap(err, "delete forwards")
}

func (s *mongoStore) CountForwards(ctx context.Context, jobID string) (int64, error) {
	n, err := s.forwards.CountDocuments(ctx, bson.M{"job_id": jobID})
	return n, errors.Wrap(err, "count forwards")
}

func (s *mongoStore) PutOwnerState(ctx context.Context, owner int64, state []byte) error {
	_, err := s.states.ReplaceOne(ctx, bson.M{"_id": owner},
		ownerStateDoc{Owner: owner, State: state, UpdatedAt: s.now()},
		options.Replace().SetUpsert(true))
	return errors.Wrap(err, "put owner state")
}

func (s *mongoStore) GetOwnerState(ctx context.Context, owner int64) ([]byte, bool, error) {
	var d ownerStateDoc
	err := s.states.FindOne(ctx, bson.M{"_id": owner}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get owner state")
	}
	return d.State, true, nil
}

func (s *mongoStore) ClearOwnerState(ctx context.Context, owner int64) error {
	_, err := s.states.DeleteOne(ctx, bson.M{"_id": owner})
	return errors.Wrap(err, "clear owner state")
}
