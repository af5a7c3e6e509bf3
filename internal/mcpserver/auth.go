package mcpserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mark3labs/mcp-go/mcp"
)

const apiKeyPrefix = "pk_"

// Argument names the proxy injects into tools/call requests.
const (
	argUserID = "_user_id"
	argKeyID  = "_key_id"
)

var (
	// ErrInvalidAPIKey covers malformed, unknown, mismatched and revoked keys.
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrUserInactive is returned when the key's owner is not active.
	ErrUserInactive = errors.New("user account is not active")
)

// AuthResult holds the result of API key validation.
type AuthResult struct {
	UserID string
	Role   string // "admin" or "user"
	KeyID  string // key prefix for logging
}

// APIKeyRecord is the DynamoDB record for an API key.
type APIKeyRecord struct {
	PK         string `dynamodbav:"PK"` // APIKEY#{prefix}
	SK         string `dynamodbav:"SK"` // METADATA
	UserID     string `dynamodbav:"userId"`
	KeyHash    string `dynamodbav:"keyHash"` // SHA-256 hex
	Name       string `dynamodbav:"name"`
	Status     string `dynamodbav:"status"` // active, revoked
	CreatedAt  string `dynamodbav:"createdAt"`
	LastUsedAt string `dynamodbav:"lastUsedAt,omitempty"`
}

// UserRecord is the DynamoDB record for a user.
type UserRecord struct {
	PK     string `dynamodbav:"PK"` // USER#{userId}
	SK     string `dynamodbav:"SK"` // PROFILE
	Email  string `dynamodbav:"email"`
	Name   string `dynamodbav:"name"`
	Status string `dynamodbav:"status"` // pending, active, suspended
	Role   string `dynamodbav:"role"`   // admin, user
}

// ParseAPIKey checks the key format and returns its lookup prefix (the 8
// characters after "pk_") and the SHA-256 hex digest of the whole key.
func ParseAPIKey(bearer string) (prefix, keyHash string, err error) {
	token := strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if !strings.HasPrefix(token, apiKeyPrefix) || len(token) < len(apiKeyPrefix)+8 {
		return "", "", fmt.Errorf("%w: bad format", ErrInvalidAPIKey)
	}
	prefix = token[len(apiKeyPrefix) : len(apiKeyPrefix)+8]
	return prefix, hashKey(token), nil
}

func hashKey(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func apiKeyKey(prefix string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "APIKEY#" + prefix},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// ValidateAPIKey checks a bearer token against DynamoDB. Key problems wrap
// ErrInvalidAPIKey; an inactive owner wraps ErrUserInactive.
func (s *Store) ValidateAPIKey(ctx context.Context, bearerToken string) (*AuthResult, error) {
	prefix, keyHash, err := ParseAPIKey(bearerToken)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       apiKeyKey(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("lookup API key: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("%w: not found", ErrInvalidAPIKey)
	}

	var record APIKeyRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal API key: %w", err)
	}
	if record.KeyHash != keyHash {
		return nil, fmt.Errorf("%w: hash mismatch", ErrInvalidAPIKey)
	}
	if record.Status != "active" {
		return nil, fmt.Errorf("%w: key is %s", ErrInvalidAPIKey, record.Status)
	}

	user, err := s.GetUser(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user not found", ErrInvalidAPIKey)
	}
	if user.Status != "active" {
		return nil, fmt.Errorf("%w: %s", ErrUserInactive, user.Status)
	}

	s.touchKey(ctx, prefix)

	return &AuthResult{
		UserID: record.UserID,
		Role:   user.Role,
		KeyID:  prefix,
	}, nil
}

// touchKey updates lastUsedAt at most once a minute. Errors are ignored.
func (s *Store) touchKey(ctx context.Context, prefix string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	now := time.Now().UTC()
	s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 apiKeyKey(prefix),
		UpdateExpression:    aws.String("SET lastUsedAt = :now"),
		ConditionExpression: aws.String("attribute_not_exists(lastUsedAt) OR lastUsedAt < :threshold"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":threshold": &types.AttributeValueMemberS{Value: now.Add(-time.Minute).Format(time.RFC3339)},
		},
	})
}

// GetUser retrieves a user by ID. A missing user is nil, nil.
func (s *Store) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "USER#" + userID},
			"SK": &types.AttributeValueMemberS{Value: "PROFILE"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var user UserRecord
	if err := attributevalue.UnmarshalMap(result.Item, &user); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &user, nil
}

// CreateAPIKey generates a new API key, stores its hash, and returns the plaintext (shown once).
func (s *Store) CreateAPIKey(ctx context.Context, userID, keyName string) (plaintext, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate random bytes: %w", err)
	}

	prefix = hex.EncodeToString(raw[:4]) // 8 hex chars
	plaintext = apiKeyPrefix + hex.EncodeToString(raw)

	record := APIKeyRecord{
		PK:        "APIKEY#" + prefix,
		SK:        "METADATA",
		UserID:    userID,
		KeyHash:   hashKey(plaintext),
		Name:      keyName,
		Status:    "active",
		CreatedAt: nowRFC3339(),
	}

	av, err := attributevalue.MarshalMap(record)
	if err != nil {
		return "", "", fmt.Errorf("marshal API key: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return "", "", fmt.Errorf("store API key: %w", err)
	}

	return plaintext, prefix, nil
}

// RevokeAPIKey marks an API key as revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, prefix string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              apiKeyKey(prefix),
		UpdateExpression: aws.String("SET #status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: "revoked"},
		},
	})
	if err != nil {
		return fmt.Errorf("revoke API key: %w", err)
	}
	return nil
}

// InjectUserContext adds the caller's identity to the arguments of a
// JSON-RPC tools/call request. Other methods and unparseable bodies are
// returned unchanged. The request id is returned for error replies.
func InjectUserContext(body []byte, userID, keyID string) ([]byte, json.RawMessage) {
	var rpc map[string]json.RawMessage
	if err := json.Unmarshal(body, &rpc); err != nil {
		return body, nil
	}
	id := rpc["id"]

	var method string
	if err := json.Unmarshal(rpc["method"], &method); err != nil || method != "tools/call" {
		return body, id
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(rpc["params"], &params); err != nil {
		return body, id
	}
	args := make(map[string]any)
	if raw, ok := params["arguments"]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return body, id
		}
	}
	args[argUserID] = userID
	args[argKeyID] = keyID

	newArgs, err := json.Marshal(args)
	if err != nil {
		return body, id
	}
	params["arguments"] = newArgs
	if rpc["params"], err = json.Marshal(params); err != nil {
		return body, id
	}
	newBody, err := json.Marshal(rpc)
	if err != nil {
		return body, id
	}
	return newBody, id
}

// callerFrom reads the identity the proxy injected. Direct callers are
// anonymous.
func callerFrom(req mcp.CallToolRequest) AuthResult {
	return AuthResult{
		UserID: mcp.ParseString(req, argUserID, ""),
		KeyID:  mcp.ParseString(req, argKeyID, ""),
	}
}
