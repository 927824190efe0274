// Package dynamostore keeps the version log in a DynamoDB table.
//
// Table requirements:
//   - PK: pk (string), SK: ts (number)
//
// Versions live under pk "VERSION" with their timestamp as sort key; the
// current table is the single item pk "CURRENT", ts 0.
package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

const (
	pkVersion = "VERSION"
	pkCurrent = "CURRENT"

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type versionItem struct {
	PK           string `dynamodbav:"pk"`
	TS           int64  `dynamodbav:"ts"`
	Kind         string `dynamodbav:"kind"`
	RateTable    string `dynamodbav:"ratetable_json"`
	Prefill      string `dynamodbav:"prefill_json,omitempty"`
	ProposalID   string `dynamodbav:"proposal_id,omitempty"`
	RestoredFrom int64  `dynamodbav:"restored_from,omitempty"`
	CreatedAt    string `dynamodbav:"created_at"`
}

type currentItem struct {
	PK        string `dynamodbav:"pk"`
	TS        int64  `dynamodbav:"ts"`
	RateTable string `dynamodbav:"ratetable_json"`
	VersionTS int64  `dynamodbav:"version_ts"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// Store is a versions.Backend over DynamoDB.
type Store struct {
	ddb       API
	tableName string
	now       func() time.Time
}

var _ versions.Backend = (*Store)(nil)

func New(ddb API, tableName string) *Store {
	return &Store{ddb: ddb, tableName: tableName, now: time.Now}
}

func (s *Store) Name() string { return "dynamodb" }

func key(pk string, ts int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"ts": &types.AttributeValueMemberN{Value: strconv.FormatInt(ts, 10)},
	}
}

func (s *Store) Current(ctx context.Context) (*ratetable.RateTable, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pkCurrent, 0),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get current rate table: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it currentItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("decode current item: %w", err)
	}
	var t ratetable.RateTable
	if err := json.Unmarshal([]byte(it.RateTable), &t); err != nil {
		return nil, fmt.Errorf("decode current rate table: %w", err)
	}
	return &t, nil
}

func (s *Store) Append(ctx context.Context, rec versions.Record, setCurrent bool) error {
	tableJSON, err := json.Marshal(rec.RateTable)
	if err != nil {
		return fmt.Errorf("encode rate table: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	versionAV, err := attributevalue.MarshalMap(versionItem{
		PK:           pkVersion,
		TS:           rec.Timestamp,
		Kind:         string(rec.Kind),
		RateTable:    string(tableJSON),
		Prefill:      string(rec.AttachedPrefill),
		ProposalID:   rec.ProposalID,
		RestoredFrom: rec.RestoredFrom,
		CreatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("marshal version item: %w", err)
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                versionAV,
			ConditionExpression: aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{
				"#pk": "pk",
			},
		},
	}}

	if setCurrent {
		currentAV, err := attributevalue.MarshalMap(currentItem{
			PK:        pkCurrent,
			TS:        0,
			RateTable: string(tableJSON),
			VersionTS: rec.Timestamp,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal current item: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: currentAV},
		})
	}

	_, err = s.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return versions.ErrTimestampConflict
		}
		return fmt.Errorf("append version %d: %w", rec.Timestamp, err)
	}
	return nil
}

// isConditionFailure reports whether the transaction was cancelled because
// the version item already existed.
func isConditionFailure(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == conditionalCheckFailed {
			return true
		}
	}
	return false
}

func (s *Store) Versions(ctx context.Context) ([]versions.Record, error) {
	p := dynamodb.NewQueryPaginator(s.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "pk",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkVersion},
		},
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	})

	var out []versions.Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query versions: %w", err)
		}
		for _, item := range page.Items {
			rec, err := decodeVersion(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Version(ctx context.Context, timestamp int64) (versions.Record, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pkVersion, timestamp),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return versions.Record{}, fmt.Errorf("get version %d: %w", timestamp, err)
	}
	if len(out.Item) == 0 {
		return versions.Record{}, versions.ErrVersionNotFound
	}
	return decodeVersion(out.Item)
}

func decodeVersion(item map[string]types.AttributeValue) (versions.Record, error) {
	var it versionItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return versions.Record{}, fmt.Errorf("decode version item: %w", err)
	}

	rec := versions.Record{
		Timestamp:    it.TS,
		Kind:         versions.Kind(it.Kind),
		ProposalID:   it.ProposalID,
		RestoredFrom: it.RestoredFrom,
	}
	if err := json.Unmarshal([]byte(it.RateTable), &rec.RateTable); err != nil {
		return versions.Record{}, fmt.Errorf("decode version %d: %w", it.TS, err)
	}
	if it.Prefill != "" {
		rec.AttachedPrefill = json.RawMessage(it.Prefill)
	}
	return rec, nil
}
