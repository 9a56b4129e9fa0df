// Package dynamo stores graph items in an Amazon DynamoDB table
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// MaxBatchSize is the BatchWriteItem request limit
const MaxBatchSize = 25

// Billing modes
const (
	BillingPayPerRequest = "PAY_PER_REQUEST"
	BillingProvisioned   = "PROVISIONED"
)

// API is the subset of the DynamoDB client used by the store
type API interface {
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Options configures the DynamoDB store
type Options struct {
	Region   string
	Endpoint string // e.g. http://localhost:8000 for DynamoDB Local

	// Static credentials, mostly for local endpoints. Empty uses the default chain.
	AccessKeyID     string
	SecretAccessKey string

	BillingMode   string
	ReadCapacity  int64
	WriteCapacity int64

	// WaitTimeout bounds how long create/delete wait for the table status
	WaitTimeout time.Duration
}

// Store is a DynamoDB backed store client
type Store struct {
	client API
	opts   Options
}

// New loads the AWS configuration and creates a store. Retries are left to the
// loader, so the SDK retryer is limited to a single attempt.
func New(ctx context.Context, opts Options) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, store.Classify(store.ErrFatal, fmt.Errorf("failed to load AWS config: %w", err))
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return NewWithClient(client, opts), nil
}

// NewWithClient creates a store around an existing client
func NewWithClient(client API, opts Options) *Store {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	if opts.BillingMode == "" {
		opts.BillingMode = BillingPayPerRequest
	}
	return &Store{client: client, opts: opts}
}

// ListTables implements schema.Catalog
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	paginator := dynamodb.NewListTablesPaginator(s.client, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		names = append(names, page.TableNames...)
	}
	return names, nil
}

// CreateTable implements schema.Catalog. It returns once the table is active.
func (s *Store) CreateTable(ctx context.Context, t schema.TableSchema) error {
	log := logger.Get()

	input := createTableInput(t, s.opts)
	if _, err := s.client.CreateTable(ctx, input); err != nil {
		return classify(err)
	}

	log.Info("Waiting for table to become active", zap.String("table", t.Name))
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.Name)}, s.opts.WaitTimeout); err != nil {
		return classify(fmt.Errorf("table %s did not become active: %w", t.Name, err))
	}
	return nil
}

func createTableInput(t schema.TableSchema, opts Options) *dynamodb.CreateTableInput {
	var throughput *types.ProvisionedThroughput
	billing := types.BillingModePayPerRequest
	if opts.BillingMode == BillingProvisioned {
		billing = types.BillingModeProvisioned
		throughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(opts.ReadCapacity),
			WriteCapacityUnits: aws.Int64(opts.WriteCapacity),
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName:             aws.String(t.Name),
		KeySchema:             []types.KeySchemaElement{keySchemaElement(t.Key)},
		BillingMode:           billing,
		ProvisionedThroughput: throughput,
	}
	for _, attr := range t.Attributes() {
		input.AttributeDefinitions = append(input.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(attr.Attribute),
			AttributeType: types.ScalarAttributeType(attr.Type),
		})
	}

	for _, ix := range t.Indexes {
		gsi := types.GlobalSecondaryIndex{
			IndexName:             aws.String(ix.Name),
			KeySchema:             []types.KeySchemaElement{keySchemaElement(ix.HashKey())},
			Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
			ProvisionedThroughput: throughput,
		}
		if rk, ok := ix.RangeKey(); ok {
			gsi.KeySchema = append(gsi.KeySchema, keySchemaElement(rk))
		}
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, gsi)
	}
	return input
}

func keySchemaElement(k schema.KeyElement) types.KeySchemaElement {
	return types.KeySchemaElement{
		AttributeName: aws.String(k.Attribute),
		KeyType:       types.KeyType(k.KeyType),
	}
}

// DeleteTable implements schema.Catalog. It returns once the table is gone.
func (s *Store) DeleteTable(ctx context.Context, name string) error {
	if _, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
		return classify(err)
	}

	waiter := dynamodb.NewTableNotExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, s.opts.WaitTimeout); err != nil {
		return classify(fmt.Errorf("table %s was not deleted: %w", name, err))
	}
	return nil
}

// BatchCapacity implements store.Writer
func (s *Store) BatchCapacity() int {
	return MaxBatchSize
}

// PutItem implements store.Writer
func (s *Store) PutItem(ctx context.Context, table string, item store.Item) error {
	av, err := marshalItem(item)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	return classify(err)
}

// PutItems implements store.BatchWriter
func (s *Store) PutItems(ctx context.Context, table string, items []store.Item) ([]store.Item, error) {
	if len(items) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d items exceeds limit %d", len(items), MaxBatchSize)
	}

	byID := make(map[string]store.Item, len(items))
	requests := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		av, err := marshalItem(item)
		if err != nil {
			return nil, err
		}
		byID[item.ID] = item
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}

	out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{table: requests},
	})
	if err != nil {
		return nil, classify(err)
	}

	var unprocessed []store.Item
	for _, req := range out.UnprocessedItems[table] {
		if req.PutRequest == nil {
			continue
		}
		if id, ok := req.PutRequest.Item[store.AttrID].(*types.AttributeValueMemberS); ok {
			if item, found := byID[id.Value]; found {
				unprocessed = append(unprocessed, item)
			}
		}
	}
	return unprocessed, nil
}

// Close implements io.Closer
func (s *Store) Close() error {
	return nil
}

// Error codes that are worth retrying
var transientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"LimitExceededException":                 true,
	"TransactionConflictException":           true,
}

// Error codes that make every further call pointless
var fatalCodes = map[string]bool{
	"UnrecognizedClientException": true,
	"AccessDeniedException":       true,
	"InvalidSignatureException":   true,
	"MissingAuthenticationToken":  true,
	"ExpiredTokenException":       true,
}

// classify maps SDK errors onto the store error classes
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return store.Classify(store.ErrAlreadyExists, err)
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return store.Classify(store.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case transientCodes[code]:
			return store.Classify(store.ErrTransient, err)
		case fatalCodes[code]:
			return store.Classify(store.ErrFatal, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.Classify(store.ErrTransient, err)
	}
	return err
}

// marshalItem converts an item to DynamoDB attributes. Coordinates are written
// as N decimal strings so they round-trip exactly.
func marshalItem(item store.Item) (map[string]types.AttributeValue, error) {
	av := map[string]types.AttributeValue{
		store.AttrID:    &types.AttributeValueMemberS{Value: item.ID},
		store.AttrType:  &types.AttributeValueMemberS{Value: string(item.Kind)},
		store.AttrOsmID: &types.AttributeValueMemberN{Value: strconv.FormatInt(item.OsmID, 10)},
	}

	if len(item.Tags) > 0 {
		tags, err := marshalTags(item.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags of %s: %w", item.ID, err)
		}
		av[store.AttrTags] = tags
	}

	if item.HasCoords {
		av[store.AttrLatitude] = &types.AttributeValueMemberN{Value: item.Lat.String()}
		av[store.AttrLongitude] = &types.AttributeValueMemberN{Value: item.Lon.String()}
		if item.Bucket != "" {
			av[store.AttrBucket] = &types.AttributeValueMemberS{Value: item.Bucket}
		}
	}

	// number sets cannot be empty
	if len(item.Adjacency) > 0 {
		av[store.AttrAdjacency] = &types.AttributeValueMemberNS{Value: formatIDs(item.Adjacency)}
	}

	if item.NodeRefs != nil {
		refs := make([]types.AttributeValue, len(item.NodeRefs))
		for i, ref := range item.NodeRefs {
			refs[i] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ref, 10)}
		}
		av[store.AttrNodeRefs] = &types.AttributeValueMemberL{Value: refs}
	}

	if item.Members != nil {
		members, err := marshalMembers(item.Members)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal members of %s: %w", item.ID, err)
		}
		av[store.AttrMembers] = members
	}

	return av, nil
}

func formatIDs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
