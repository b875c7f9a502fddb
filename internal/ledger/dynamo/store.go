// Package dynamo stores space diffs, snapshots and usage records in DynamoDB.
//
// Every table uses a string partition key "pk" and string sort key "sk".
// Sort keys begin with a fixed-width UTC timestamp so lexical order is time order.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"spacemeter/internal/domain"
)

const (
	sortTime        = "2006-01-02T15:04:05.000000000Z"
	defaultMaxPages = 1000
)

// Config captures the configuration necessary to talk to DynamoDB.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string
	DiffTable       string
	SnapshotTable   string
	UsageTable      string
	// MaxPages bounds a single range read. Exceeding it yields domain.ErrIncompleteRead.
	MaxPages int
}

// dynamoAPI captures the subset of the AWS SDK we use so it can be mocked in tests.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store implements the diff, snapshot and usage stores on DynamoDB.
type Store struct {
	client    dynamoAPI
	diffs     string
	snapshots string
	usage     string
	maxPages  int
	now       func() time.Time
}

// New builds a DynamoDB-backed store from AWS configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Region == "" {
		return nil, errors.New("dynamodb region is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newStore(client, cfg), nil
}

func newStore(client dynamoAPI, cfg Config) *Store {
	pages := cfg.MaxPages
	if pages <= 0 {
		pages = defaultMaxPages
	}
	return &Store{
		client:    client,
		diffs:     orDefault(cfg.DiffTable, "space-diffs"),
		snapshots: orDefault(cfg.SnapshotTable, "space-snapshots"),
		usage:     orDefault(cfg.UsageTable, "usage-records"),
		maxPages:  pages,
		now:       time.Now,
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// keyPart escapes the "#" separator so joined key components stay
// unambiguous. DID URLs may carry "#" fragments.
var keyPart = strings.NewReplacer("%", "%25", "#", "%23").Replace

func spaceKey(provider, space string) string {
	return keyPart(provider) + "#" + keyPart(space)
}

func stamp(t time.Time) string {
	return t.UTC().Format(sortTime)
}

// PutSpaceDiff appends a diff. Redelivery of the same (receiptAt, cause) is a no-op.
func (s *Store) PutSpaceDiff(ctx context.Context, d domain.SpaceDiffRecord) error {
	item := map[string]types.AttributeValue{
		"pk":           str(spaceKey(d.Provider, d.Space)),
		"sk":           str(stamp(d.ReceiptAt) + "#" + d.Cause),
		"provider":     str(d.Provider),
		"space":        str(d.Space),
		"customer":     str(d.Customer),
		"subscription": str(d.Subscription),
		"cause":        str(d.Cause),
		"change":       num(strconv.FormatInt(d.Change, 10)),
		"receiptAt":    str(stamp(d.ReceiptAt)),
		"insertedAt":   str(stamp(s.now())),
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.diffs),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	var exists *types.ConditionalCheckFailedException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("put space diff: %w", err)
	}
	return nil
}

// ListSpaceDiffs returns diffs with from <= receiptAt < to in receipt order.
func (s *Store) ListSpaceDiffs(ctx context.Context, provider, space string, from, to time.Time) ([]domain.SpaceDiffRecord, error) {
	// Sort keys at exactly `to` are "<to>#cause", which sort after the bare "<to>" bound.
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.diffs),
		KeyConditionExpression: aws.String("pk = :pk AND sk BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(spaceKey(provider, space)),
			":lo": str(stamp(from)),
			":hi": str(stamp(to)),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("list space diffs: %w", err)
	}
	out := make([]domain.SpaceDiffRecord, 0, len(items))
	for _, item := range items {
		d, err := decodeDiff(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.snapshots),
		Key: map[string]types.AttributeValue{
			"pk": str(spaceKey(provider, space)),
			"sk": str(stamp(recordedAt)),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SpaceSnapshotRecord{}, fmt.Errorf("get space snapshot: %w", err)
	}
	if len(resp.Item) == 0 {
		return domain.SpaceSnapshotRecord{}, domain.ErrNotFound
	}
	return decodeSnapshot(resp.Item)
}

func (s *Store) PutSpaceSnapshot(ctx context.Context, snap domain.SpaceSnapshotRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.snapshots),
		Item: map[string]types.AttributeValue{
			"pk":         str(spaceKey(snap.Provider, snap.Space)),
			"sk":         str(stamp(snap.RecordedAt)),
			"provider":   str(snap.Provider),
			"space":      str(snap.Space),
			"size":       num(strconv.FormatInt(snap.Size, 10)),
			"recordedAt": str(stamp(snap.RecordedAt)),
			"insertedAt": str(stamp(s.now())),
		},
	})
	if err != nil {
		return fmt.Errorf("put space snapshot: %w", err)
	}
	return nil
}

// PutUsage upserts a usage record keyed by (customer, from, provider, space).
// Usage is stored as a decimal string; DynamoDB numbers top out at 38 digits.
func (s *Store) PutUsage(ctx context.Context, u domain.UsageRecord) error {
	if u.Usage == nil {
		return errors.New("usage is required")
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.usage),
		Item: map[string]types.AttributeValue{
			"pk":         str(u.Customer),
			"sk":         str(usageSortKey(u)),
			"customer":   str(u.Customer),
			"account":    str(u.Account),
			"product":    str(u.Product),
			"provider":   str(u.Provider),
			"space":      str(u.Space),
			"usage":      str(u.Usage.String()),
			"from":       str(stamp(u.From)),
			"to":         str(stamp(u.To)),
			"insertedAt": str(stamp(u.InsertedAt)),
		},
	})
	if err != nil {
		return fmt.Errorf("put usage: %w", err)
	}
	return nil
}

func usageSortKey(u domain.UsageRecord) string {
	return stamp(u.From) + "#" + keyPart(u.Provider) + "#" + keyPart(u.Space)
}

// ListUsage returns a customer's usage records with From >= from ordered by
// (From, Provider, Space). Escaped sort keys do not preserve that order.
func (s *Store) ListUsage(ctx context.Context, customer string, from time.Time) ([]domain.UsageRecord, error) {
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.usage),
		KeyConditionExpression: aws.String("pk = :pk AND sk >= :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   str(customer),
			":from": str(stamp(from)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	out := make([]domain.UsageRecord, 0, len(items))
	for _, item := range items {
		u, err := decodeUsage(item)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.From.Equal(b.From) {
			return a.From.Before(b.From)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Space < b.Space
	})
	return out, nil
}

// Ping checks that the diff table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.diffs)})
	if err != nil {
		return fmt.Errorf("describe table %s: %w", s.diffs, err)
	}
	return nil
}

// query follows LastEvaluatedKey until the result set is exhausted or the page cap is hit.
func (s *Store) query(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for page := 0; ; page++ {
		if page >= s.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", domain.ErrIncompleteRead, s.maxPages)
		}
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		if len(resp.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v string) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: v}
}

type decoder struct {
	item map[string]types.AttributeValue
	err  error
}

func (d *decoder) str(name string) string {
	if d.err != nil {
		return ""
	}
	v, ok := d.item[name].(*types.AttributeValueMemberS)
	if !ok {
		d.err = fmt.Errorf("attribute %q: expected string", name)
		return ""
	}
	return v.Value
}

func (d *decoder) int64(name string) int64 {
	if d.err != nil {
		return 0
	}
	v, ok := d.item[name].(*types.AttributeValueMemberN)
	if !ok {
		d.err = fmt.Errorf("attribute %q: expected number", name)
		return 0
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		d.err = fmt.Errorf("attribute %q: %w", name, err)
	}
	return n
}

func (d *decoder) time(name string) time.Time {
	raw := d.str(name)
	if d.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(sortTime, raw)
	if err != nil {
		d.err = fmt.Errorf("attribute %q: %w", name, err)
	}
	return t
}

func (d *decoder) big(name string) *big.Int {
	raw := d.str(name)
	if d.err != nil {
		return nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		d.err = fmt.Errorf("attribute %q: invalid integer %q", name, raw)
	}
	return v
}

func decodeDiff(item map[string]types.AttributeValue) (domain.SpaceDiffRecord, error) {
	d := &decoder{item: item}
	rec := domain.SpaceDiffRecord{
		Provider:     d.str("provider"),
		Space:        d.str("space"),
		Customer:     d.str("customer"),
		Subscription: d.str("subscription"),
		Cause:        d.str("cause"),
		Change:       d.int64("change"),
		ReceiptAt:    d.time("receiptAt"),
		InsertedAt:   d.time("insertedAt"),
	}
	if d.err != nil {
		return domain.SpaceDiffRecord{}, fmt.Errorf("decode space diff: %w", d.err)
	}
	return rec, nil
}

func decodeSnapshot(item map[string]types.AttributeValue) (domain.SpaceSnapshotRecord, error) {
	d := &decoder{item: item}
	rec := domain.SpaceSnapshotRecord{
		Provider:   d.str("provider"),
		Space:      d.str("space"),
		Size:       d.int64("size"),
		RecordedAt: d.time("recordedAt"),
		InsertedAt: d.time("insertedAt"),
	}
	if d.err != nil {
		return domain.SpaceSnapshotRecord{}, fmt.Errorf("decode space snapshot: %w", d.err)
	}
	return rec, nil
}

func decodeUsage(item map[string]types.AttributeValue) (domain.UsageRecord, error) {
	d := &decoder{item: item}
	rec := domain.UsageRecord{
		Customer:   d.str("customer"),
		Account:    d.str("account"),
		Product:    d.str("product"),
		Provider:   d.str("provider"),
		Space:      d.str("space"),
		Usage:      d.big("usage"),
		From:       d.time("from"),
		To:         d.time("to"),
		InsertedAt: d.time("insertedAt"),
	}
	if d.err != nil {
		return domain.UsageRecord{}, fmt.Errorf("decode usage: %w", d.err)
	}
	return rec, nil
}
