package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/root-talis/dynamig/driver"
)

// Client is the subset of the DynamoDB API the driver uses.
type Client interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config describes how to reach DynamoDB. Empty credentials fall back to the default chain.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type dynamoDriver struct {
	client Client
}

func NewDriver(client Client) driver.Driver {
	return &dynamoDriver{client: client}
}

// NewClient builds a DynamoDB client from cfg without touching any shared SDK state.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return dynamodb.NewFromConfig(awsCfg, clientOpts...), nil
}

// NewDriverFromConfig is NewClient followed by NewDriver.
func NewDriverFromConfig(ctx context.Context, cfg Config) (driver.Driver, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewDriver(client), nil
}

// ---

func (drv *dynamoDriver) DescribeTable(ctx context.Context, name string) (driver.TableStatus, error) {
	out, err := drv.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		return driver.TableUnknown, fmt.Errorf("dynamodb: describe table %s: %w", name, translateError(err))
	}

	if out.Table == nil {
		return driver.TableUnknown, nil
	}

	switch out.Table.TableStatus {
	case dbtypes.TableStatusCreating:
		return driver.TableCreating, nil
	case dbtypes.TableStatusActive:
		return driver.TableActive, nil
	case dbtypes.TableStatusUpdating:
		return driver.TableUpdating, nil
	case dbtypes.TableStatusDeleting:
		return driver.TableDeleting, nil
	default:
		return driver.TableUnknown, nil
	}
}

func (drv *dynamoDriver) CreateTable(ctx context.Context, table driver.Table, capacity driver.Capacity) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(table.Name),
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String(table.PartitionKey), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(table.SortKey), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String(table.PartitionKey), KeyType: dbtypes.KeyTypeHash},
			{AttributeName: aws.String(table.SortKey), KeyType: dbtypes.KeyTypeRange},
		},
	}

	if capacity.OnDemand() {
		input.BillingMode = dbtypes.BillingModePayPerRequest
	} else {
		input.BillingMode = dbtypes.BillingModeProvisioned
		input.ProvisionedThroughput = &dbtypes.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(capacity.ReadUnits),
			WriteCapacityUnits: aws.Int64(capacity.WriteUnits),
		}
	}

	if _, err := drv.client.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("dynamodb: create table %s: %w", table.Name, translateError(err))
	}

	return nil
}

func (drv *dynamoDriver) GetItem(ctx context.Context, table driver.Table, key driver.Key) (*driver.Item, error) {
	out, err := drv.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table.Name),
		Key:            encodeKey(table, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: get item %s/%s: %w", key.Partition, key.Sort, translateError(err))
	}

	if out.Item == nil {
		return nil, nil
	}

	item := decodeItem(table, out.Item)
	return &item, nil
}

func (drv *dynamoDriver) PutItem(ctx context.Context, table driver.Table, item driver.Item, cond driver.Condition) error {
	av := encodeKey(table, item.Key)
	for name, value := range item.Attributes {
		if name == table.PartitionKey || name == table.SortKey {
			continue
		}
		av[name] = &dbtypes.AttributeValueMemberS{Value: value}
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(table.Name),
		Item:      av,
	}
	input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues = conditionExpression(table, cond)

	if _, err := drv.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("dynamodb: put item %s/%s: %w", item.Partition, item.Sort, translateError(err))
	}

	return nil
}

func (drv *dynamoDriver) DeleteItem(ctx context.Context, table driver.Table, key driver.Key, cond driver.Condition) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(table.Name),
		Key:       encodeKey(table, key),
	}
	input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues = conditionExpression(table, cond)

	if _, err := drv.client.DeleteItem(ctx, input); err != nil {
		return fmt.Errorf("dynamodb: delete item %s/%s: %w", key.Partition, key.Sort, translateError(err))
	}

	return nil
}

func (drv *dynamoDriver) Query(ctx context.Context, table driver.Table, partition string, opts driver.QueryOptions) ([]driver.Item, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(table.Name),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": table.PartitionKey,
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":pk": &dbtypes.AttributeValueMemberS{Value: partition},
		},
		ScanIndexForward: aws.Bool(!opts.Descending),
		ConsistentRead:   aws.Bool(true),
	}

	var result []driver.Item
	for {
		if opts.Limit > 0 {
			input.Limit = aws.Int32(int32(opts.Limit - len(result)))
		}

		out, err := drv.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: query %s: %w", partition, translateError(err))
		}

		for _, av := range out.Items {
			result = append(result, decodeItem(table, av))
		}

		if len(out.LastEvaluatedKey) == 0 || (opts.Limit > 0 && len(result) >= opts.Limit) {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ---

func encodeKey(table driver.Table, key driver.Key) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		table.PartitionKey: &dbtypes.AttributeValueMemberS{Value: key.Partition},
		table.SortKey:      &dbtypes.AttributeValueMemberS{Value: key.Sort},
	}
}

// decodeItem keeps string attributes only; the ledger never writes anything else.
func decodeItem(table driver.Table, av map[string]dbtypes.AttributeValue) driver.Item {
	item := driver.Item{Attributes: make(map[string]string, len(av))}

	for name, value := range av {
		s, ok := value.(*dbtypes.AttributeValueMemberS)
		if !ok {
			continue
		}

		switch name {
		case table.PartitionKey:
			item.Partition = s.Value
		case table.SortKey:
			item.Sort = s.Value
		default:
			item.Attributes[name] = s.Value
		}
	}

	return item
}

func conditionExpression(table driver.Table, cond driver.Condition) (*string, map[string]string, map[string]dbtypes.AttributeValue) {
	if cond.IsZero() {
		return nil, nil, nil
	}

	var expr string
	names := map[string]string{}
	var values map[string]dbtypes.AttributeValue

	if cond.MustNotExist {
		names["#pk"] = table.PartitionKey
		expr = "attribute_not_exists(#pk)"
	}

	attrs := make([]string, 0, len(cond.MustMatch))
	for name := range cond.MustMatch {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	for i, name := range attrs {
		if values == nil {
			values = map[string]dbtypes.AttributeValue{}
		}

		placeholder := fmt.Sprintf("c%d", i)
		names["#"+placeholder] = name
		values[":"+placeholder] = &dbtypes.AttributeValueMemberS{Value: cond.MustMatch[name]}

		if expr != "" {
			expr += " AND "
		}
		expr += fmt.Sprintf("#%s = :%s", placeholder, placeholder)
	}

	return aws.String(expr), names, values
}

func translateError(err error) error {
	var notFound *dbtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", driver.ErrTableNotFound, err.Error())
	}

	var inUse *dbtypes.ResourceInUseException
	if errors.As(err, &inUse) {
		return fmt.Errorf("%w: %s", driver.ErrTableExists, err.Error())
	}

	var conditionFailed *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return fmt.Errorf("%w: %s", driver.ErrConditionFailed, err.Error())
	}

	return err
}
