package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLicenseCollection = "licenses"
	defaultBindingCollection = "uids"

	// compensateTimeout bounds the undo writes of the non-transactional
	// path, independent of the caller's context.
	compensateTimeout = 5 * time.Second
)

// validCollectionName matches safe MongoDB collection names.
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithLicenseCollection sets the license collection name. Default: "licenses".
func WithLicenseCollection(name string) MongoOption {
	return func(s *MongoStore) {
		s.licenseCollection = name
	}
}

// WithBindingCollection sets the binding collection name. Default: "uids".
func WithBindingCollection(name string) MongoOption {
	return func(s *MongoStore) {
		s.bindingCollection = name
	}
}

// WithTransactions forces multi-document transactions on or off. By default
// they are used when the deployment is a replica set or sharded cluster.
func WithTransactions(enabled bool) MongoOption {
	return func(s *MongoStore) {
		s.forceTxn = &enabled
	}
}

// WithMongoLogger sets the logger used to report usage counter drift on the
// non-transactional path.
func WithMongoLogger(l *slog.Logger) MongoOption {
	return func(s *MongoStore) {
		s.logger = l
	}
}

// MongoStore implements Store using MongoDB.
//
// Capacity is reserved with a single conditional update whose filter compares
// usedCount against maxUsage with $expr, so concurrent activations can never
// push usedCount past maxUsage. Game UID uniqueness is a unique index on the
// binding collection.
//
// Activate and Deactivate write two documents. On replica sets and sharded
// clusters both writes run in one transaction. A standalone server has no
// transactions, so a failed second write is undone by a compensating write;
// if that also fails the drift is logged at Error level.
type MongoStore struct {
	client            *mongo.Client
	licenses          *mongo.Collection
	bindings          *mongo.Collection
	licenseCollection string
	bindingCollection string
	forceTxn          *bool
	transactions      bool
	logger            *slog.Logger

	// releaseCapacity gives back one unit of capacity on a license.
	releaseCapacity func(ctx context.Context, licenseKey string) error
}

type licenseDoc struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	LicenseKey  string        `bson:"licenseKey"`
	LicenseType string        `bson:"licenseType"`
	ExpireDate  time.Time     `bson:"expireDate"`
	MaxUsage    int           `bson:"maxUsage"`
	UsedCount   int           `bson:"usedCount"`
	MaxUsers    int           `bson:"maxUsers"`
	Status      string        `bson:"status"`
	CreatedAt   time.Time     `bson:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
}

func (d *licenseDoc) license() *License {
	return &License{
		ID:          d.ID.Hex(),
		LicenseKey:  d.LicenseKey,
		LicenseType: LicenseType(d.LicenseType),
		ExpireDate:  d.ExpireDate,
		MaxUsage:    d.MaxUsage,
		UsedCount:   d.UsedCount,
		MaxUsers:    d.MaxUsers,
		Status:      LicenseStatus(d.Status),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type bindingDoc struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	GameUID     string        `bson:"gameUID"`
	LicenseKey  string        `bson:"licenseKey"`
	LicenseType string        `bson:"licenseType"`
	Status      string        `bson:"status"`
	UserRef     string        `bson:"userId,omitempty"`
	ActivatedAt time.Time     `bson:"activatedAt"`
	ExpireDate  *time.Time    `bson:"expireDate"`
	CreatedAt   time.Time     `bson:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
}

func (d *bindingDoc) binding() *Binding {
	return &Binding{
		ID:          d.ID.Hex(),
		GameUID:     d.GameUID,
		LicenseKey:  d.LicenseKey,
		LicenseType: LicenseType(d.LicenseType),
		Status:      BindingStatus(d.Status),
		UserRef:     d.UserRef,
		ActivatedAt: d.ActivatedAt,
		ExpireDate:  d.ExpireDate,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// NewMongoStore creates a new MongoDB-backed store.
// It creates the necessary indexes on initialization.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	s := &MongoStore{
		licenseCollection: defaultLicenseCollection,
		bindingCollection: defaultBindingCollection,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s.releaseCapacity = s.release
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range []string{s.licenseCollection, s.bindingCollection} {
		if !validCollectionName.MatchString(name) {
			return nil, fmt.Errorf("invalid collection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", name)
		}
	}
	s.client = db.Client()
	s.licenses = db.Collection(s.licenseCollection)
	s.bindings = db.Collection(s.bindingCollection)

	if s.forceTxn != nil {
		s.transactions = *s.forceTxn
	} else {
		var hello helloReply
		if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
			return nil, fmt.Errorf("detect topology: %w", err)
		}
		s.transactions = hello.supportsTransactions()
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// supportsTransactions reports whether the server is a replica set member or
// a mongos router. Standalone servers reject transactions.
func (h helloReply) supportsTransactions() bool {
	return h.SetName != "" || h.Msg == "isdbgrid"
}

// Transactional reports whether Activate and Deactivate run in transactions.
func (s *MongoStore) Transactional() bool {
	return s.transactions
}

func (s *MongoStore) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// detached returns a context for undo writes that must run even when the
// caller's context is already done.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "licenseKey", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.bindings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "gameUID", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "licenseKey", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "userId", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "createdAt", Value: -1}},
		},
	})
	return err
}

// objectID parses a hex id. Malformed ids cannot match any document.
func objectID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, ErrNotFound
	}
	return oid, nil
}

func (s *MongoStore) CreateLicense(ctx context.Context, l License) (*License, error) {
	now := time.Now()
	doc := licenseDoc{
		ID:          bson.NewObjectID(),
		LicenseKey:  l.LicenseKey,
		LicenseType: string(l.LicenseType),
		ExpireDate:  l.ExpireDate,
		MaxUsage:    l.MaxUsage,
		UsedCount:   l.UsedCount,
		MaxUsers:    l.MaxUsers,
		Status:      string(l.Status),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.licenses.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert license: %w", err)
	}
	return doc.license(), nil
}

func (s *MongoStore) findLicense(ctx context.Context, filter bson.M) (*License, error) {
	var doc licenseDoc
	err := s.licenses.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return doc.license(), nil
}

func (s *MongoStore) GetLicense(ctx context.Context, id string) (*License, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	return s.findLicense(ctx, bson.M{"_id": oid})
}

func (s *MongoStore) GetLicenseByKey(ctx context.Context, key string) (*License, error) {
	return s.findLicense(ctx, bson.M{"licenseKey": key})
}

func (s *MongoStore) ListLicenses(ctx context.Context) ([]License, error) {
	cursor, err := s.licenses.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	var docs []licenseDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode licenses: %w", err)
	}
	out := make([]License, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].license())
	}
	return out, nil
}

func (s *MongoStore) SetLicenseStatus(ctx context.Context, id string, status LicenseStatus) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	res, err := s.licenses.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"status": string(status), "updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ExpireLicense(ctx context.Context, id string, now time.Time) (bool, error) {
	oid, err := objectID(id)
	if err != nil {
		return false, nil
	}
	res, err := s.licenses.UpdateOne(ctx,
		bson.M{"_id": oid, "status": string(LicenseActive), "expireDate": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"status": string(LicenseExpired), "updatedAt": now}},
	)
	if err != nil {
		return false, fmt.Errorf("expire license: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) DeleteLicense(ctx context.Context, id string) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	res, err := s.licenses.DeleteOne(ctx, bson.M{"_id": oid, "usedCount": bson.M{"$lte": 0}})
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}
	// Nothing deleted: either the license is gone or it still has bindings.
	if _, err := s.findLicense(ctx, bson.M{"_id": oid}); err != nil {
		return err
	}
	return ErrInUse
}

func (s *MongoStore) Activate(ctx context.Context, b Binding, now time.Time) (*Binding, error) {
	doc := bindingDoc{
		ID:          bson.NewObjectID(),
		GameUID:     b.GameUID,
		LicenseKey:  b.LicenseKey,
		LicenseType: string(b.LicenseType),
		Status:      string(b.Status),
		UserRef:     b.UserRef,
		ActivatedAt: b.ActivatedAt,
		ExpireDate:  b.ExpireDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if s.transactions {
		err := s.inTransaction(ctx, func(ctx context.Context) error {
			if err := s.reserve(ctx, b.LicenseKey, now); err != nil {
				return err
			}
			return s.insertBinding(ctx, doc)
		})
		if err != nil {
			return nil, err
		}
		return doc.binding(), nil
	}

	if err := s.reserve(ctx, b.LicenseKey, now); err != nil {
		return nil, err
	}
	if err := s.insertBinding(ctx, doc); err != nil {
		uctx, cancel := detached(ctx)
		defer cancel()
		if rerr := s.releaseCapacity(uctx, b.LicenseKey); rerr != nil {
			s.logger.Error("usage counter drift: reservation not released",
				slog.String("license_key", b.LicenseKey),
				slog.String("game_uid", b.GameUID),
				slog.String("error", rerr.Error()),
			)
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	return doc.binding(), nil
}

// reserve takes one unit of capacity if the license can accept a binding.
func (s *MongoStore) reserve(ctx context.Context, licenseKey string, now time.Time) error {
	filter := bson.M{
		"licenseKey": licenseKey,
		"status":     string(LicenseActive),
		"expireDate": bson.M{"$gte": now},
		"$expr":      bson.M{"$lt": bson.A{"$usedCount", "$maxUsage"}},
	}
	res, err := s.licenses.UpdateOne(ctx, filter, bson.M{
		"$inc": bson.M{"usedCount": 1},
		"$set": bson.M{"updatedAt": now},
	})
	if err != nil {
		return fmt.Errorf("reserve capacity: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *MongoStore) insertBinding(ctx context.Context, doc bindingDoc) error {
	if _, err := s.bindings.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateUID
		}
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// release gives back one unit of capacity, never going below zero.
func (s *MongoStore) release(ctx context.Context, licenseKey string) error {
	_, err := s.licenses.UpdateOne(ctx,
		bson.M{"licenseKey": licenseKey, "usedCount": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"usedCount": -1}, "$set": bson.M{"updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	return nil
}

func (s *MongoStore) Deactivate(ctx context.Context, id string, refuse ...BindingStatus) (*Binding, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	if s.transactions {
		var doc *bindingDoc
		err := s.inTransaction(ctx, func(ctx context.Context) error {
			var err error
			if doc, err = s.deleteBinding(ctx, oid, refuse); err != nil {
				return err
			}
			return s.releaseCapacity(ctx, doc.LicenseKey)
		})
		if err != nil {
			return nil, err
		}
		return doc.binding(), nil
	}

	doc, err := s.deleteBinding(ctx, oid, refuse)
	if err != nil {
		return nil, err
	}
	if err := s.releaseCapacity(ctx, doc.LicenseKey); err != nil {
		// Put the binding back so the caller can retry the deactivation.
		uctx, cancel := detached(ctx)
		defer cancel()
		if _, ierr := s.bindings.InsertOne(uctx, doc); ierr != nil {
			s.logger.Error("usage counter drift: binding deleted but capacity not released",
				slog.String("license_key", doc.LicenseKey),
				slog.String("binding_id", id),
				slog.String("game_uid", doc.GameUID),
				slog.String("error", errors.Join(err, ierr).Error()),
			)
			return nil, errors.Join(err, ierr)
		}
		return nil, err
	}
	return doc.binding(), nil
}

// deleteBinding removes the binding unless its status is refused.
func (s *MongoStore) deleteBinding(ctx context.Context, oid bson.ObjectID, refuse []BindingStatus) (*bindingDoc, error) {
	filter := bson.M{"_id": oid}
	if len(refuse) > 0 {
		statuses := make(bson.A, 0, len(refuse))
		for _, st := range refuse {
			statuses = append(statuses, string(st))
		}
		filter["status"] = bson.M{"$nin": statuses}
	}

	var doc bindingDoc
	err := s.bindings.FindOneAndDelete(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if len(refuse) == 0 {
			return nil, ErrNotFound
		}
		if _, ferr := s.findBinding(ctx, bson.M{"_id": oid}); ferr != nil {
			return nil, ferr
		}
		return nil, ErrBindingLocked
	}
	if err != nil {
		return nil, fmt.Errorf("delete binding: %w", err)
	}
	return &doc, nil
}

func (s *MongoStore) findBinding(ctx context.Context, filter bson.M) (*Binding, error) {
	var doc bindingDoc
	err := s.bindings.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find binding: %w", err)
	}
	return doc.binding(), nil
}

func (s *MongoStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	return s.findBinding(ctx, bson.M{"_id": oid})
}

func (s *MongoStore) FindBindingByUID(ctx context.Context, gameUID string) (*Binding, error) {
	return s.findBinding(ctx, bson.M{"gameUID": gameUID})
}

func (s *MongoStore) listBindings(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]Binding, error) {
	cursor, err := s.bindings.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	var docs []bindingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode bindings: %w", err)
	}
	out := make([]Binding, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].binding())
	}
	return out, nil
}

func (s *MongoStore) ListBindings(ctx context.Context, filter BindingFilter) ([]Binding, error) {
	q := bson.M{}
	if filter.UserRef != "" {
		q["userId"] = filter.UserRef
	}
	if filter.LicenseKey != "" {
		q["licenseKey"] = filter.LicenseKey
	}
	return s.listBindings(ctx, q, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (s *MongoStore) RecentBindings(ctx context.Context, limit int) ([]Binding, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.listBindings(ctx, bson.M{}, opts)
}

func (s *MongoStore) SetBindingStatus(ctx context.Context, id string, status BindingStatus) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}
	res, err := s.bindings.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"status": string(status), "updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("set binding status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ExpireBinding(ctx context.Context, id string, now time.Time) (bool, error) {
	oid, err := objectID(id)
	if err != nil {
		return false, nil
	}
	// $lt never matches a null expireDate, so lifetime bindings are skipped.
	res, err := s.bindings.UpdateOne(ctx,
		bson.M{"_id": oid, "status": string(BindingActive), "expireDate": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"status": string(BindingExpired), "updatedAt": now}},
	)
	if err != nil {
		return false, fmt.Errorf("expire binding: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	var st Stats
	counts := []struct {
		coll   *mongo.Collection
		filter bson.M
		dst    *int
	}{
		{s.licenses, bson.M{}, &st.TotalLicenses},
		{s.licenses, bson.M{"status": string(LicenseActive), "expireDate": bson.M{"$gt": now}}, &st.ActiveLicenses},
		{s.licenses, bson.M{"$or": bson.A{
			bson.M{"status": string(LicenseExpired)},
			bson.M{"status": string(LicenseUsedUp)},
			bson.M{"expireDate": bson.M{"$lt": now}},
		}}, &st.ExpiredLicenses},
		{s.bindings, bson.M{}, &st.TotalBindings},
		{s.bindings, bson.M{"status": string(BindingBanned)}, &st.BannedBindings},
		{s.bindings, bson.M{"status": string(BindingPaused)}, &st.PausedBindings},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range counts {
		g.Go(func() error {
			n, err := c.coll.CountDocuments(gctx, c.filter)
			if err != nil {
				return fmt.Errorf("count documents: %w", err)
			}
			*c.dst = int(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *MongoStore) Close(_ context.Context) error {
	return nil // caller manages the mongo.Database lifecycle
}
