package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/metocean/bob-the-builder/internal/task"
)

const (
	cancelRetries = 3

	// maxRecordBytes keeps an item under DynamoDB's 400 KB limit with room
	// for the key and index attributes.
	maxRecordBytes = 350 * 1024
)

type dynamoItem struct {
	GitRepo    string `dynamodbav:"git_repo"`
	RangeKey   string `dynamodbav:"range_key"`
	State      string `dynamodbav:"state"`
	Record     string `dynamodbav:"record"`
	ModifiedAt string `dynamodbav:"modified_at"`
}

// DynamoDB stores tasks in a table with git_repo as hash key and the
// identity range key as sort key.
type DynamoDB struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

func NewDynamoDB(client dynamodbiface.DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table}
}

func (d *DynamoDB) EnsureExists(ctx context.Context) error {
	describe := &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}
	_, err := d.client.DescribeTableWithContext(ctx, describe)
	if err == nil {
		return nil
	}
	if !isAWSCode(err, dynamodb.ErrCodeResourceNotFoundException) {
		return fmt.Errorf("describe table %s: %w", d.table, err)
	}
	_, err = d.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("git_repo"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("range_key"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("git_repo"), KeyType: aws.String(dynamodb.KeyTypeHash)},
			{AttributeName: aws.String("range_key"), KeyType: aws.String(dynamodb.KeyTypeRange)},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil && !isAWSCode(err, dynamodb.ErrCodeResourceInUseException) {
		return fmt.Errorf("create table %s: %w", d.table, err)
	}
	return d.client.WaitUntilTableExistsWithContext(ctx, describe)
}

func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return err
}

func (d *DynamoDB) Load(ctx context.Context, id task.Identity) (*task.Task, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			"git_repo":  {S: aws.String(id.GitRepo)},
			"range_key": {S: aws.String(id.RangeKey())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeItem(out.Item)
}

func (d *DynamoDB) Save(ctx context.Context, t *task.Task) error {
	t.ModifiedAt = time.Now().UTC()
	input, err := d.putInput(t)
	if err != nil {
		return err
	}
	if !t.State.IsTerminal() {
		input.ConditionExpression = aws.String("attribute_not_exists(git_repo) OR #state <> :cancel")
		input.ExpressionAttributeNames = map[string]*string{"#state": aws.String("state")}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":cancel": {S: aws.String(string(task.StateCancel))},
		}
	}
	if _, err := d.client.PutItemWithContext(ctx, input); err != nil {
		if isAWSCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
			return ErrCancelRequested
		}
		return fmt.Errorf("save task %s: %w", t.Identity(), err)
	}
	return nil
}

func (d *DynamoDB) ScanAll(ctx context.Context) ([]*task.Task, error) {
	return d.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(d.table), ConsistentRead: aws.Bool(true)})
}

func (d *DynamoDB) ScanActive(ctx context.Context) ([]*task.Task, error) {
	values := map[string]*dynamodb.AttributeValue{}
	placeholders := ""
	for i, s := range task.ActiveStates {
		name := fmt.Sprintf(":s%d", i)
		values[name] = &dynamodb.AttributeValue{S: aws.String(string(s))}
		if i > 0 {
			placeholders += ", "
		}
		placeholders += name
	}
	return d.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(d.table),
		ConsistentRead:            aws.Bool(true),
		FilterExpression:          aws.String("#state IN (" + placeholders + ")"),
		ExpressionAttributeNames:  map[string]*string{"#state": aws.String("state")},
		ExpressionAttributeValues: values,
	})
}

func (d *DynamoDB) scan(ctx context.Context, input *dynamodb.ScanInput) ([]*task.Task, error) {
	var (
		out     []*task.Task
		pageErr error
	)
	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, last bool) bool {
		for _, item := range page.Items {
			t, err := decodeItem(item)
			if err != nil {
				pageErr = err
				return false
			}
			out = append(out, t)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.table, err)
	}
	if pageErr != nil {
		return nil, pageErr
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GitRepo != out[j].GitRepo {
			return out[i].GitRepo < out[j].GitRepo
		}
		return out[i].Identity().RangeKey() < out[j].Identity().RangeKey()
	})
	return out, nil
}

func (d *DynamoDB) RequestCancel(ctx context.Context, id task.Identity, requestedBy string) (*task.Task, error) {
	for attempt := 0; attempt < cancelRetries; attempt++ {
		t, err := d.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := t.State
		now := time.Now().UTC()
		if err := markCancel(t, requestedBy, now); err != nil {
			return nil, err
		}
		t.ModifiedAt = now
		input, err := d.putInput(t)
		if err != nil {
			return nil, err
		}
		input.ConditionExpression = aws.String("#state = :prev")
		input.ExpressionAttributeNames = map[string]*string{"#state": aws.String("state")}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":prev": {S: aws.String(string(prev))},
		}
		_, err = d.client.PutItemWithContext(ctx, input)
		if err == nil {
			return t, nil
		}
		if !isAWSCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
			return nil, fmt.Errorf("request cancel %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("request cancel %s: task kept changing", id)
}

func (d *DynamoDB) putInput(t *task.Task) (*dynamodb.PutItemInput, error) {
	record, err := encodeCapped(t, maxRecordBytes)
	if err != nil {
		return nil, err
	}
	id := t.Identity()
	item, err := dynamodbattribute.MarshalMap(dynamoItem{
		GitRepo:    id.GitRepo,
		RangeKey:   id.RangeKey(),
		State:      string(t.State),
		Record:     string(record),
		ModifiedAt: t.ModifiedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", id, err)
	}
	return &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: item}, nil
}

// encodeCapped encodes t, shortening log tails from the front until the
// record fits in limit bytes. t itself is not modified.
func encodeCapped(t *task.Task, limit int) ([]byte, error) {
	record, err := task.Encode(t)
	if err != nil {
		return nil, err
	}
	budget := 0
	for _, entry := range t.Logs {
		budget += len(entry.Text)
	}
	for len(record) > limit && budget > 0 {
		budget = max(budget-(len(record)-limit), 0)
		record, err = task.Encode(trimLogs(t, budget))
		if err != nil {
			return nil, err
		}
	}
	return record, nil
}

// trimLogs returns a copy of t whose log texts add up to at most budget
// bytes. Short logs are kept whole and the rest share what is left, each
// keeping its newest lines.
func trimLogs(t *task.Task, budget int) *task.Task {
	c := t.Clone()
	order := make([]int, len(c.Logs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(c.Logs[order[a]].Text) < len(c.Logs[order[b]].Text)
	})
	remaining := budget
	for k, i := range order {
		share := remaining / (len(order) - k)
		c.Logs[i].Text = lastBytes(c.Logs[i].Text, share)
		remaining -= len(c.Logs[i].Text)
	}
	return c
}

// lastBytes keeps at most n trailing bytes of text, starting on a line
// boundary when one is available.
func lastBytes(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := text[len(text)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
		cut = cut[i+1:]
	}
	return cut
}

func decodeItem(raw map[string]*dynamodb.AttributeValue) (*task.Task, error) {
	var item dynamoItem
	if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
		return nil, fmt.Errorf("unmarshal task item: %w", err)
	}
	return task.Decode([]byte(item.Record))
}

func isAWSCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
