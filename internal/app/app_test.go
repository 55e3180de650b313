package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindsync/internal/config"
	"remindsync/internal/domain"
	"remindsync/internal/events"
	"remindsync/internal/repository"
)

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("database:\n  path: %q\n%s", filepath.Join(dir, "remindsync.db"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	logger := zerolog.Nop()
	a, err := New(context.Background(), cfg, &logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewLocalWithoutRedis(t *testing.T) {
	a := newApp(t, loadConfig(t, ""))

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.SQS)
	assert.Same(t, a.Worker, a.Dispatcher)
	assert.IsType(t, &repository.MemoryBulkJobRepository{}, a.Jobs)
	require.NotNil(t, a.Engine)

	ctx := context.Background()
	require.NoError(t, a.Bus.PublishJSON(events.EventRecordSaved, events.RecordEventPayload{RecordID: "rec-1"}))
	n, err := a.DB.CountPendingSyncTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleMissingRecordIsNotAFailure(t *testing.T) {
	a := newApp(t, loadConfig(t, ""))

	err := a.Handle(context.Background(), domain.Task{Type: domain.TaskSyncRecord, RecordID: "does-not-exist"})
	assert.NoError(t, err)
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newApp(t, loadConfig(t, fmt.Sprintf("redis:\n  address: %q\n", mr.Addr())))

	require.NotNil(t, a.Redis)
	assert.IsType(t, &repository.FailoverBulkJobRepository{}, a.Jobs)

	require.NoError(t, a.Bus.PublishJSON(events.EventRecordDeleted, events.RecordEventPayload{RecordID: "rec-9"}))
	queued, err := mr.List("sync:queue")
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestNewWithUnreachableRedisFallsBack(t *testing.T) {
	a := newApp(t, loadConfig(t, "redis:\n  address: \"127.0.0.1:1\"\n"))

	assert.Nil(t, a.Redis)
	assert.IsType(t, &repository.MemoryBulkJobRepository{}, a.Jobs)
}

type recordingSQS struct {
	sent []*sqs.SendMessageInput
}

func (r *recordingSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	r.sent = append(r.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (r *recordingSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (r *recordingSQS) DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func TestNewWithSQSBackend(t *testing.T) {
	client := &recordingSQS{}
	cfg := loadConfig(t, "queue:\n  backend: sqs\n  sqs:\n    queue_url: \"https://sqs.eu-west-1.amazonaws.com/1/remindsync\"\n")
	a := newApp(t, cfg, WithSQSClient(client))

	require.NotNil(t, a.SQS)
	assert.Same(t, a.SQS, a.Dispatcher)

	require.NoError(t, a.Bus.PublishJSON(events.EventRecordArchived, events.RecordEventPayload{RecordID: "rec-2"}))
	require.Len(t, client.sent, 1)
	assert.Contains(t, aws.ToString(client.sent[0].MessageBody), `"record_id":"rec-2"`)
}

func TestHTTPServerWiring(t *testing.T) {
	a := newApp(t, loadConfig(t, ""))

	ts := httptest.NewServer(a.HTTPServer().Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
