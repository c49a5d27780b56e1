package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRiskStore keeps verification attempts and risk flags in MongoDB.
type MongoRiskStore struct {
	client   *mongo.Client
	attempts *mongo.Collection
	flags    *mongo.Collection
}

type attemptDocument struct {
	ID        string                  `bson:"_id"`
	UserID    string                  `bson:"user_id"`
	VenueID   string                  `bson:"venue_id,omitempty"`
	EventID   string                  `bson:"event_id,omitempty"`
	Method    string                  `bson:"method"`
	Outcome   string                  `bson:"outcome"`
	Reason    string                  `bson:"reason,omitempty"`
	DeviceID  string                  `bson:"device_id"`
	IP        string                  `bson:"ip"`
	Evidence  attemptEvidenceDocument `bson:"evidence"`
	CreatedAt time.Time               `bson:"created_at"`
}

type attemptEvidenceDocument struct {
	TokenHash   string   `bson:"token_hash,omitempty"`
	TokenID     string   `bson:"token_id,omitempty"`
	Lat         *float64 `bson:"lat,omitempty"`
	Lng         *float64 `bson:"lng,omitempty"`
	Accuracy    *float64 `bson:"accuracy,omitempty"`
	DistanceM   *float64 `bson:"distance_m,omitempty"`
	StaffID     string   `bson:"staff_id,omitempty"`
	ConfirmedBy string   `bson:"confirmed_by,omitempty"`
}

type flagDocument struct {
	ID          string    `bson:"_id"`
	SubjectType string    `bson:"subject_type"`
	SubjectID   string    `bson:"subject_id"`
	Type        string    `bson:"type"`
	Severity    string    `bson:"severity"`
	Summary     string    `bson:"summary"`
	State       string    `bson:"state"`
	Open        bool      `bson:"open"`
	Note        string    `bson:"note,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// NewMongoRiskStore connects to MongoDB and ensures the indexes the store relies on.
func NewMongoRiskStore(ctx context.Context, mongoURI, dbName string) (*MongoRiskStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(dbName)
	s := &MongoRiskStore{
		client:   client,
		attempts: db.Collection("verification_attempts"),
		flags:    db.Collection("risk_flags"),
	}

	if _, err := s.attempts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create attempt indexes: %w", err)
	}
	// One open flag per subject and type.
	if _, err := s.flags.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "subject_type", Value: 1}, {Key: "subject_id", Value: 1}, {Key: "type", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"open": true}).
			SetName("open_flag_per_subject"),
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create flag index: %w", err)
	}

	return s, nil
}

func (s *MongoRiskStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toAttemptDocument(rec domain.VerificationRecord) attemptDocument {
	return attemptDocument{
		ID:       rec.ID.String(),
		UserID:   rec.UserID,
		VenueID:  rec.VenueID,
		EventID:  rec.EventID,
		Method:   string(rec.Method),
		Outcome:  string(rec.Outcome),
		Reason:   rec.Reason,
		DeviceID: rec.Fingerprint.DeviceID,
		IP:       rec.Fingerprint.IP,
		Evidence: attemptEvidenceDocument{
			TokenHash:   rec.Evidence.TokenHash,
			TokenID:     rec.Evidence.TokenID,
			Lat:         rec.Evidence.Lat,
			Lng:         rec.Evidence.Lng,
			Accuracy:    rec.Evidence.Accuracy,
			DistanceM:   rec.Evidence.DistanceM,
			StaffID:     rec.Evidence.StaffID,
			ConfirmedBy: rec.Evidence.ConfirmedBy,
		},
		CreatedAt: rec.CreatedAt,
	}
}

func (d attemptDocument) record() domain.VerificationRecord {
	id, _ := uuid.Parse(d.ID)
	return domain.VerificationRecord{
		ID:      id,
		UserID:  d.UserID,
		VenueID: d.VenueID,
		EventID: d.EventID,
		Method:  domain.VerificationMethod(d.Method),
		Outcome: domain.VerificationOutcome(d.Outcome),
		Reason:  d.Reason,
		Evidence: domain.RecordedEvidence{
			TokenHash:   d.Evidence.TokenHash,
			TokenID:     d.Evidence.TokenID,
			Lat:         d.Evidence.Lat,
			Lng:         d.Evidence.Lng,
			Accuracy:    d.Evidence.Accuracy,
			DistanceM:   d.Evidence.DistanceM,
			StaffID:     d.Evidence.StaffID,
			ConfirmedBy: d.Evidence.ConfirmedBy,
		},
		Fingerprint: domain.Fingerprint{DeviceID: d.DeviceID, IP: d.IP},
		CreatedAt:   d.CreatedAt,
	}
}

func (s *MongoRiskStore) RecordAttempt(ctx context.Context, rec domain.VerificationRecord) error {
	_, err := s.attempts.InsertOne(ctx, toAttemptDocument(rec))
	return err
}

func (s *MongoRiskStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]domain.VerificationRecord, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if !filter.Since.IsZero() {
		query["created_at"] = bson.M{"$gte": filter.Since}
	}
	if filter.Outcome != "" {
		query["outcome"] = string(filter.Outcome)
	}
	if filter.Reason != "" {
		query["reason"] = filter.Reason
	}
	if filter.LocatedOnly {
		query["evidence.lat"] = bson.M{"$exists": true}
		query["evidence.lng"] = bson.M{"$exists": true}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.attempts.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []attemptDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.VerificationRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *MongoRiskStore) DistinctUsersForDevice(ctx context.Context, deviceID string, since time.Time) ([]string, error) {
	values, err := s.attempts.Distinct(ctx, "user_id", bson.M{
		"device_id":  deviceID,
		"created_at": bson.M{"$gte": since},
	})
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			users = append(users, id)
		}
	}
	return users, nil
}

func toFlagDocument(f domain.RiskFlag) flagDocument {
	return flagDocument{
		ID:          f.ID.String(),
		SubjectType: string(f.SubjectType),
		SubjectID:   f.SubjectID,
		Type:        string(f.Type),
		Severity:    string(f.Severity),
		Summary:     f.Summary,
		State:       string(f.State),
		Open:        f.State.Open(),
		Note:        f.Note,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func (d flagDocument) flag() domain.RiskFlag {
	id, _ := uuid.Parse(d.ID)
	return domain.RiskFlag{
		ID:          id,
		SubjectType: domain.SubjectType(d.SubjectType),
		SubjectID:   d.SubjectID,
		Type:        domain.RiskFlagType(d.Type),
		Severity:    domain.Severity(d.Severity),
		Summary:     d.Summary,
		State:       domain.FlagState(d.State),
		Note:        d.Note,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// RaiseFlag upserts on the open (subject, type) triple so concurrent raises
// collapse into one pending flag.
func (s *MongoRiskStore) RaiseFlag(ctx context.Context, flag domain.RiskFlag) (domain.RiskFlag, bool, error) {
	if flag.ID == uuid.Nil {
		flag.ID = uuid.New()
	}
	now := time.Now().UTC()
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	flag.UpdatedAt = flag.CreatedAt
	flag.State = domain.FlagPending
	doc := toFlagDocument(flag)

	filter := bson.M{
		"subject_type": doc.SubjectType,
		"subject_id":   doc.SubjectID,
		"type":         doc.Type,
		"open":         true,
	}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":        doc.ID,
		"severity":   doc.Severity,
		"summary":    doc.Summary,
		"state":      doc.State,
		"created_at": doc.CreatedAt,
		"updated_at": doc.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored flagDocument
	err := s.flags.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost an upsert race; the winner is the open flag.
			if err := s.flags.FindOne(ctx, filter).Decode(&stored); err != nil {
				return domain.RiskFlag{}, false, err
			}
			return stored.flag(), false, nil
		}
		return domain.RiskFlag{}, false, err
	}
	return stored.flag(), stored.ID == doc.ID, nil
}

func (s *MongoRiskStore) GetFlag(ctx context.Context, id uuid.UUID) (domain.RiskFlag, error) {
	var doc flagDocument
	if err := s.flags.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.RiskFlag{}, ErrFlagNotFound
		}
		return domain.RiskFlag{}, err
	}
	return doc.flag(), nil
}

func (s *MongoRiskStore) ListFlags(ctx context.Context, filter FlagFilter) ([]domain.RiskFlag, error) {
	query := bson.M{}
	if filter.State != "" {
		query["state"] = string(filter.State)
	}
	if filter.SubjectID != "" {
		query["subject_id"] = filter.SubjectID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.flags.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []flagDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.RiskFlag, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.flag())
	}
	return out, nil
}

func (s *MongoRiskStore) TransitionFlag(ctx context.Context, id uuid.UUID, to domain.FlagState, note string) (domain.RiskFlag, error) {
	current, err := s.GetFlag(ctx, id)
	if err != nil {
		return domain.RiskFlag{}, err
	}
	if !domain.CanTransitionFlag(current.State, to) {
		return domain.RiskFlag{}, fmt.Errorf("%w: flag %s cannot move from %s to %s", ErrInvalidTransition, id, current.State, to)
	}

	set := bson.M{"state": string(to), "open": to.Open(), "updated_at": time.Now().UTC()}
	if note != "" {
		set["note"] = note
	}
	var doc flagDocument
	err = s.flags.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "state": string(current.State)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.RiskFlag{}, fmt.Errorf("%w: flag %s changed concurrently", ErrInvalidTransition, id)
		}
		return domain.RiskFlag{}, err
	}
	return doc.flag(), nil
}
