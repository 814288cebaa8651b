package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/metocean/bob-the-builder/internal/task"
)

// fakeDynamo understands just enough of the condition expressions the
// store issues to exercise its error mapping.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI
	items map[string]map[string]*dynamodb.AttributeValue
	puts  int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
}

func itemKey(item map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(item["git_repo"].S) + "|" + aws.StringValue(item["range_key"].S)
}

func (f *fakeDynamo) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.puts++
	key := itemKey(in.Item)
	stored, exists := f.items[key]
	if in.ConditionExpression != nil && exists {
		state := aws.StringValue(stored["state"].S)
		if v, ok := in.ExpressionAttributeValues[":cancel"]; ok && state == aws.StringValue(v.S) {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "conditional request failed", nil)
		}
		if v, ok := in.ExpressionAttributeValues[":prev"]; ok && state != aws.StringValue(v.S) {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "conditional request failed", nil)
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTableWithContext(ctx aws.Context, in *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil)
}

func (f *fakeDynamo) CreateTableWithContext(ctx aws.Context, in *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	if len(in.KeySchema) != 2 || aws.StringValue(in.KeySchema[0].AttributeName) != "git_repo" {
		return nil, errors.New("unexpected key schema")
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) WaitUntilTableExistsWithContext(ctx aws.Context, in *dynamodb.DescribeTableInput, _ ...request.WaiterOption) error {
	return nil
}

func TestDynamoDBEnsureExistsCreatesTable(t *testing.T) {
	s := NewDynamoDB(newFakeDynamo(), "bob-tasks")
	if err := s.EnsureExists(context.Background()); err != nil {
		t.Fatalf("ensure exists: %v", err)
	}
}

func TestDynamoDBSaveLoadAndCancel(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoDB(fake, "bob-tasks")

	tk := task.New("org/app", "develop", "", "ci", "--build-arg X=1", created)
	_ = tk.Transition(task.StateBuilding, "", created.Add(time.Second))
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.Load(ctx, tk.Identity())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != task.StateBuilding || loaded.BuildArgs != "--build-arg X=1" {
		t.Fatalf("unexpected loaded task %+v", loaded)
	}

	if _, err := s.RequestCancel(ctx, tk.Identity(), "ops"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	_ = tk.Transition(task.StatePushing, "", created.Add(2*time.Second))
	if err := s.Save(ctx, tk); !errors.Is(err, ErrCancelRequested) {
		t.Fatalf("expected ErrCancelRequested, got %v", err)
	}

	_, err = s.Load(ctx, task.Identity{GitRepo: "org/none", CreatedAt: created})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDynamoDBCapsLogTailsPerItem(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoDB(fake, "bob-tasks")

	tk := task.New("org/app", "master", "", "ci", "", created)
	_ = tk.Transition(task.StateBuilding, "", created.Add(time.Second))
	line := strings.Repeat("x", 99) + "\n"
	for i := 0; i < 8; i++ {
		tk.SetLog(task.LogEntry{
			Filename:  fmt.Sprintf("docker-compose-%d.log", i),
			Text:      strings.Repeat(line, 640) + fmt.Sprintf("last line of log %d\n", i),
			CreatedAt: created,
		}, false)
	}
	tk.SetLog(task.LogEntry{Filename: "error-1.log", Text: "short error\n", CreatedAt: created}, true)
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}

	if len(fake.items) != 1 {
		t.Fatalf("expected one item, got %d", len(fake.items))
	}
	for _, raw := range fake.items {
		if n := len(aws.StringValue(raw["record"].S)); n > maxRecordBytes {
			t.Fatalf("record is %d bytes, limit %d", n, maxRecordBytes)
		}
	}
	loaded, err := s.Load(ctx, tk.Identity())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Logs) != 9 {
		t.Fatalf("expected all 9 logs kept, got %d", len(loaded.Logs))
	}
	for _, entry := range loaded.Logs {
		if entry.Filename == "error-1.log" {
			if entry.Text != "short error\n" {
				t.Fatalf("short log was trimmed: %q", entry.Text)
			}
			continue
		}
		if !strings.HasSuffix(entry.Text, "\n") || !strings.Contains(entry.Text, "last line of log") {
			t.Fatalf("%s lost its newest lines", entry.Filename)
		}
		if first, _, _ := strings.Cut(entry.Text, "\n"); first != line[:99] && !strings.HasPrefix(first, "last") {
			t.Fatalf("%s does not start on a line boundary: %q", entry.Filename, first)
		}
	}
	if len(tk.Logs[1].Text) != 640*100+len("last line of log 0\n") {
		t.Fatal("saving must not trim the caller's task")
	}
}
