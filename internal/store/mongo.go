package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/apimeter/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection  = "users"
	tokensCollection = "tokens"
	usageCollection  = "usage"
)

// MongoStore implements the Store interface using the official mongo driver.
type MongoStore struct {
	client *Client
}

// NewMongoStore creates a new MongoStore.
func NewMongoStore(client *Client) *MongoStore {
	return &MongoStore{client: client}
}

// Ping checks database connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *MongoStore) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	db, err := s.client.Database(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

// --- Users ---

type userDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Email        string             `bson:"email"`
	Username     string             `bson:"username"`
	PasswordHash string             `bson:"password_hash"`
	IsAdmin      bool               `bson:"is_admin"`
}

func (d *userDocument) toModel() (*models.User, error) {
	if d.ID.IsZero() || d.Email == "" || d.PasswordHash == "" {
		return nil, fmt.Errorf("%w: user %s missing required field", ErrDecode, d.ID.Hex())
	}
	return &models.User{
		ID:           d.ID.Hex(),
		Email:        d.Email,
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		IsAdmin:      d.IsAdmin,
	}, nil
}

func (s *MongoStore) CountUsers(ctx context.Context) (int64, error) {
	coll, err := s.collection(ctx, usersCollection)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CreateUser inserts the user and sets user.ID to the generated identifier.
func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	coll, err := s.collection(ctx, usersCollection)
	if err != nil {
		return err
	}
	doc := userDocument{
		Email:        user.Email,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		IsAdmin:      user.IsAdmin,
	}
	res, err := coll.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("create user: unexpected id type %T", res.InsertedID)
	}
	user.ID = oid.Hex()
	return nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	coll, err := s.collection(ctx, usersCollection)
	if err != nil {
		return nil, err
	}
	var doc userDocument
	err = coll.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", decodeErr(err))
	}
	return doc.toModel()
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	coll, err := s.collection(ctx, usersCollection)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer cur.Close(ctx)

	users := []*models.User{}
	for cur.Next(ctx) {
		var doc userDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode user: %w", decodeErr(err))
		}
		u, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, cur.Err()
}

// --- Tokens ---

type tokenDocument struct {
	OID         primitive.ObjectID `bson:"_id,omitempty"`
	ID          string             `bson:"id,omitempty"`
	UserID      string             `bson:"user_id"`
	Token       string             `bson:"token"`
	IsActive    *bool              `bson:"is_active"`
	CreatedAt   time.Time          `bson:"created_at"`
	ExpiresAt   time.Time          `bson:"expires_at"`
	LastUsed    *time.Time         `bson:"last_used"`
	Description string             `bson:"description"`
}

func (d *tokenDocument) toModel() (*models.Token, error) {
	if d.UserID == "" || d.Token == "" || d.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: token %s missing required field", ErrDecode, d.OID.Hex())
	}
	active := true
	if d.IsActive != nil {
		active = *d.IsActive
	}
	t := &models.Token{
		ID:          d.ID,
		UserID:      d.UserID,
		Token:       d.Token,
		IsActive:    active,
		CreatedAt:   d.CreatedAt.UTC(),
		ExpiresAt:   d.ExpiresAt.UTC(),
		Description: d.Description,
	}
	if d.LastUsed != nil {
		lu := d.LastUsed.UTC()
		t.LastUsed = &lu
	}
	return t, nil
}

// CreateToken inserts the token. token.ID must already be set.
func (s *MongoStore) CreateToken(ctx context.Context, token *models.Token) error {
	if token.ID == "" {
		return fmt.Errorf("create token: empty id")
	}
	coll, err := s.collection(ctx, tokensCollection)
	if err != nil {
		return err
	}
	active := token.IsActive
	doc := tokenDocument{
		ID:          token.ID,
		UserID:      token.UserID,
		Token:       token.Token,
		IsActive:    &active,
		CreatedAt:   token.CreatedAt,
		ExpiresAt:   token.ExpiresAt,
		LastUsed:    token.LastUsed,
		Description: token.Description,
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// GetTokenByValue returns the first token whose value matches. Records
// written without an id get one derived from _id, persisted before return.
func (s *MongoStore) GetTokenByValue(ctx context.Context, value string) (*models.Token, error) {
	coll, err := s.collection(ctx, tokensCollection)
	if err != nil {
		return nil, err
	}
	var doc tokenDocument
	err = coll.FindOne(ctx, bson.M{"token": value}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token by value: %w", decodeErr(err))
	}
	if err := backfillTokenID(ctx, coll, &doc); err != nil {
		return nil, err
	}
	return doc.toModel()
}

func (s *MongoStore) GetToken(ctx context.Context, id string) (*models.Token, error) {
	coll, err := s.collection(ctx, tokensCollection)
	if err != nil {
		return nil, err
	}
	var doc tokenDocument
	err = coll.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", decodeErr(err))
	}
	return doc.toModel()
}

func (s *MongoStore) ListTokens(ctx context.Context, userID string) ([]*models.Token, error) {
	coll, err := s.collection(ctx, tokensCollection)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer cur.Close(ctx)

	tokens := []*models.Token{}
	for cur.Next(ctx) {
		var doc tokenDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode token: %w", decodeErr(err))
		}
		if err := backfillTokenID(ctx, coll, &doc); err != nil {
			return nil, err
		}
		t, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, cur.Err()
}

// DeactivateToken clears is_active. Deactivating an inactive token is not
// an error; an unknown id is ErrNotFound.
func (s *MongoStore) DeactivateToken(ctx context.Context, id string) error {
	coll, err := s.collection(ctx, tokensCollection)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"is_active": false}})
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) UpdateTokenLastUsed(ctx context.Context, id string, at time.Time) error {
	coll, err := s.collection(ctx, tokensCollection)
	if err != nil {
		return err
	}
	_, err = coll.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"last_used": at}})
	if err != nil {
		return fmt.Errorf("update token last used: %w", err)
	}
	return nil
}

func backfillTokenID(ctx context.Context, coll *mongo.Collection, doc *tokenDocument) error {
	if doc.ID != "" {
		return nil
	}
	if doc.OID.IsZero() {
		return fmt.Errorf("%w: token without _id", ErrDecode)
	}
	doc.ID = doc.OID.Hex()
	_, err := coll.UpdateOne(ctx, bson.M{"_id": doc.OID}, bson.M{"$set": bson.M{"id": doc.ID}})
	if err != nil {
		return fmt.Errorf("backfill token id: %w", err)
	}
	return nil
}

// --- Usage ---

type usageDocument struct {
	OID          primitive.ObjectID `bson:"_id,omitempty"`
	UserID       string             `bson:"user_id"`
	Token        string             `bson:"token"`
	TokenID      *string            `bson:"token_id"`
	Endpoint     string             `bson:"endpoint"`
	Method       string             `bson:"method"`
	StatusCode   int                `bson:"status_code"`
	ResponseTime float64            `bson:"response_time"`
	Timestamp    time.Time          `bson:"timestamp"`
}

func (d *usageDocument) toModel() (*models.Usage, error) {
	if d.UserID == "" || d.Endpoint == "" || d.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: usage %s missing required field", ErrDecode, d.OID.Hex())
	}
	return &models.Usage{
		ID:           d.OID.Hex(),
		UserID:       d.UserID,
		Token:        d.Token,
		TokenID:      d.TokenID,
		Endpoint:     d.Endpoint,
		Method:       d.Method,
		StatusCode:   d.StatusCode,
		ResponseTime: d.ResponseTime,
		Timestamp:    d.Timestamp.UTC(),
	}, nil
}

// CreateUsage inserts the record and sets usage.ID.
func (s *MongoStore) CreateUsage(ctx context.Context, usage *models.Usage) error {
	coll, err := s.collection(ctx, usageCollection)
	if err != nil {
		return err
	}
	doc := usageDocument{
		UserID:       usage.UserID,
		Token:        usage.Token,
		TokenID:      usage.TokenID,
		Endpoint:     usage.Endpoint,
		Method:       usage.Method,
		StatusCode:   usage.StatusCode,
		ResponseTime: usage.ResponseTime,
		Timestamp:    usage.Timestamp,
	}
	res, err := coll.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("create usage: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		usage.ID = oid.Hex()
	}
	return nil
}

func (s *MongoStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*models.Usage, error) {
	coll, err := s.collection(ctx, usageCollection)
	if err != nil {
		return nil, err
	}
	q := bson.M{"user_id": filter.UserID}
	if filter.HasRange() {
		q["timestamp"] = bson.M{"$gte": *filter.Start, "$lte": *filter.End}
	}
	cur, err := coll.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer cur.Close(ctx)

	records := []*models.Usage{}
	for cur.Next(ctx) {
		var doc usageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode usage: %w", decodeErr(err))
		}
		u, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, u)
	}
	return records, cur.Err()
}

type endpointCostDocument struct {
	Endpoint        string  `bson:"_id"`
	TotalCalls      int64   `bson:"total_calls"`
	AvgResponseTime float64 `bson:"avg_response_time"`
	TotalCost       float64 `bson:"total_cost"`
}

// CostsByEndpoint groups the user's usage by endpoint, sorted by endpoint.
func (s *MongoStore) CostsByEndpoint(ctx context.Context, userID string, pricePerCall float64) ([]models.EndpointCost, error) {
	coll, err := s.collection(ctx, usageCollection)
	if err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "user_id", Value: userID}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$endpoint"},
			{Key: "total_calls", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "avg_response_time", Value: bson.D{{Key: "$avg", Value: "$response_time"}}},
			{Key: "total_cost", Value: bson.D{{Key: "$sum", Value: pricePerCall}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate endpoint costs: %w", err)
	}
	defer cur.Close(ctx)

	costs := []models.EndpointCost{}
	for cur.Next(ctx) {
		var doc endpointCostDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode endpoint cost: %w", decodeErr(err))
		}
		costs = append(costs, models.EndpointCost{
			Endpoint:        doc.Endpoint,
			CallCount:       doc.TotalCalls,
			AvgResponseTime: doc.AvgResponseTime,
			TotalCost:       doc.TotalCost,
		})
	}
	return costs, cur.Err()
}

// TotalCost is the user's call count times pricePerCall, computed in one
// $group stage. A user with no usage costs 0.
func (s *MongoStore) TotalCost(ctx context.Context, userID string, pricePerCall float64) (float64, error) {
	coll, err := s.collection(ctx, usageCollection)
	if err != nil {
		return 0, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "user_id", Value: userID}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total_cost", Value: bson.D{{Key: "$sum", Value: pricePerCall}}},
		}}},
	}
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("aggregate total cost: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return 0, cur.Err()
	}
	var doc struct {
		TotalCost float64 `bson:"total_cost"`
	}
	if err := cur.Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode total cost: %w", decodeErr(err))
	}
	return doc.TotalCost, nil
}

// decodeErr tags driver decode failures with ErrDecode so callers can tell
// malformed records from connectivity problems.
func decodeErr(err error) error {
	var de *bsoncodec.DecodeError
	if errors.As(err, &de) {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return err
}
