package mcpserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/apresai/domain-analyzer/internal/progress"
)

// JobStatus represents the state of an analysis job.
type JobStatus string

const (
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusRunning   JobStatus = "running"
	JobStatusUploading JobStatus = "uploading"
	JobStatusComplete  JobStatus = "complete"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further progress writes are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed || s == JobStatusCancelled
}

// AnalysisItem is the DynamoDB record for an analysis.
type AnalysisItem struct {
	PK              string  `dynamodbav:"PK"`
	SK              string  `dynamodbav:"SK"`
	GSI1PK          string  `dynamodbav:"GSI1PK"`
	GSI1SK          string  `dynamodbav:"GSI1SK"`
	AnalysisID      string  `dynamodbav:"analysisId"`
	Domain          string  `dynamodbav:"domain"`
	Owner           string  `dynamodbav:"owner"`
	UserID          string  `dynamodbav:"userId,omitempty"`
	Status          string  `dynamodbav:"status"`
	Step            string  `dynamodbav:"step,omitempty"`
	ProgressPercent float64 `dynamodbav:"progressPercent,omitempty"`
	StageMessage    string  `dynamodbav:"stageMessage,omitempty"`
	StagesJSON      string  `dynamodbav:"stagesJson,omitempty"`
	ErrorMessage    string  `dynamodbav:"errorMessage,omitempty"`
	Brand           string  `dynamodbav:"brand,omitempty"`
	DomainRecordID  int64   `dynamodbav:"domainRecordId,omitempty"`
	KeywordCount    int     `dynamodbav:"keywordCount,omitempty"`
	PhraseCount     int     `dynamodbav:"phraseCount,omitempty"`
	Visibility      float64 `dynamodbav:"visibility,omitempty"`
	ReportKey       string  `dynamodbav:"reportKey,omitempty"`
	ReportURL       string  `dynamodbav:"reportUrl,omitempty"`
	CreatedAt       string  `dynamodbav:"createdAt"`
	UpdatedAt       string  `dynamodbav:"updatedAt,omitempty"`
}

// Stages decodes the stored per-stage snapshot.
func (a *AnalysisItem) Stages() []progress.Stage {
	if a.StagesJSON == "" {
		return nil
	}
	var stages []progress.Stage
	if err := json.Unmarshal([]byte(a.StagesJSON), &stages); err != nil {
		return nil
	}
	return stages
}

// Summary is what CompleteJob stores next to the report link.
type Summary struct {
	Brand          string
	DomainRecordID int64
	KeywordCount   int
	PhraseCount    int
	Visibility     float64
}

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store handles DynamoDB operations for analysis jobs and API keys.
type Store struct {
	client    DynamoAPI
	tableName string
}

// NewStore creates a DynamoDB store.
func NewStore(client DynamoAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// NewAnalysisID generates a ULID for a new analysis.
func NewAnalysisID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return id.String(), nil
}

func analysisKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "ANALYSIS#" + id},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateJob inserts a new analysis job with status=submitted.
func (s *Store) CreateJob(ctx context.Context, id, owner, userID, domain string) error {
	now := nowRFC3339()
	item := AnalysisItem{
		PK:         "ANALYSIS#" + id,
		SK:         "METADATA",
		GSI1PK:     "ANALYSES",
		GSI1SK:     now + "#" + id,
		AnalysisID: id,
		Domain:     domain,
		Owner:      owner,
		UserID:     userID,
		Status:     string(JobStatusSubmitted),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal job item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("put job item: %w", err)
	}
	return nil
}

// UpdateProgress stores the latest snapshot of the running step.
func (s *Store) UpdateProgress(ctx context.Context, id string, snap progress.Snapshot) error {
	stages, err := json.Marshal(snap.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              analysisKey(id),
		UpdateExpression: aws.String("SET #status = :status, #step = :step, progressPercent = :pct, stageMessage = :msg, stagesJson = :stages, updatedAt = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#step":   "step",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(JobStatusRunning)},
			":step":   &types.AttributeValueMemberS{Value: snap.Step},
			":pct":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%.2f", snap.Percent)},
			":msg":    &types.AttributeValueMemberS{Value: stageMessage(snap)},
			":stages": &types.AttributeValueMemberS{Value: string(stages)},
			":now":    &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
	})
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetStatus moves the job to status with a short message.
func (s *Store) SetStatus(ctx context.Context, id string, status JobStatus, message string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              analysisKey(id),
		UpdateExpression: aws.String("SET #status = :status, stageMessage = :msg, updatedAt = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":msg":    &types.AttributeValueMemberS{Value: message},
			":now":    &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
	})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// CompleteJob marks the job as complete with its summary and report link.
func (s *Store) CompleteJob(ctx context.Context, id string, sum Summary, reportKey, reportURL string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              analysisKey(id),
		UpdateExpression: aws.String("SET #status = :status, progressPercent = :pct, stageMessage = :msg, brand = :brand, domainRecordId = :rid, keywordCount = :kc, phraseCount = :pc, visibility = :vis, reportKey = :rkey, reportUrl = :rurl, updatedAt = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(JobStatusComplete)},
			":pct":    &types.AttributeValueMemberN{Value: "1.00"},
			":msg":    &types.AttributeValueMemberS{Value: "Complete"},
			":brand":  &types.AttributeValueMemberS{Value: sum.Brand},
			":rid":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sum.DomainRecordID)},
			":kc":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sum.KeywordCount)},
			":pc":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sum.PhraseCount)},
			":vis":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%.2f", sum.Visibility)},
			":rkey":   &types.AttributeValueMemberS{Value: reportKey},
			":rurl":   &types.AttributeValueMemberS{Value: reportURL},
			":now":    &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks the job as failed with an error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.endJob(ctx, id, JobStatusFailed, errMsg, "Failed: "+errMsg)
}

// CancelJob marks the job as cancelled by its caller.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.endJob(ctx, id, JobStatusCancelled, "cancelled", "Cancelled")
}

func (s *Store) endJob(ctx context.Context, id string, status JobStatus, errMsg, msg string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              analysisKey(id),
		UpdateExpression: aws.String("SET #status = :status, errorMessage = :err, stageMessage = :msg, updatedAt = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":err":    &types.AttributeValueMemberS{Value: errMsg},
			":msg":    &types.AttributeValueMemberS{Value: msg},
			":now":    &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
	})
	if err != nil {
		return fmt.Errorf("%s job: %w", status, err)
	}
	return nil
}

// GetAnalysis retrieves a single analysis by ID. A missing item is nil, nil.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*AnalysisItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       analysisKey(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item AnalysisItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return &item, nil
}

// ListAnalyses returns analyses ordered by creation time (newest first) via GSI1.
func (s *Store) ListAnalyses(ctx context.Context, limit int, cursor string) ([]AnalysisItem, string, error) {
	if limit <= 0 {
		limit = 20
	}

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "ANALYSES"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	if cursor != "" {
		startKey, err := cursorKey(cursor)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = startKey
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("list analyses: %w", err)
	}

	var items []AnalysisItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, "", fmt.Errorf("unmarshal analysis list: %w", err)
	}

	var nextCursor string
	if result.LastEvaluatedKey != nil {
		if gsi1sk, ok := result.LastEvaluatedKey["GSI1SK"].(*types.AttributeValueMemberS); ok {
			nextCursor = gsi1sk.Value
		}
	}

	return items, nextCursor, nil
}

// cursorKey rebuilds the exclusive start key from a GSI1SK cursor
// ({timestamp}#{id}).
func cursorKey(cursor string) (map[string]types.AttributeValue, error) {
	parts := strings.SplitN(cursor, "#", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}
	key := analysisKey(parts[1])
	key["GSI1PK"] = &types.AttributeValueMemberS{Value: "ANALYSES"}
	key["GSI1SK"] = &types.AttributeValueMemberS{Value: cursor}
	return key, nil
}

// stageMessage is the one-line status shown by get_analysis.
func stageMessage(snap progress.Snapshot) string {
	if snap.Err != nil {
		return snap.Step + ": " + snap.Err.Error()
	}
	st, ok := snap.Current()
	if !ok {
		return snap.Step
	}
	if st.Description != "" {
		return snap.Step + ": " + st.Description
	}
	return snap.Step + ": " + st.Name
}
