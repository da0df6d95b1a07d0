package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"
)

type sent struct {
	topic string
	msg   *pubsub.Message
}

type fakeTopics struct {
	sent    []sent
	err     error
	stopped bool
}

func (f *fakeTopics) Publish(_ context.Context, topic string, msg *pubsub.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sent{topic: topic, msg: msg})
	return "server-id-1", nil
}

func (f *fakeTopics) Stop() { f.stopped = true }

type event struct {
	TaskID string `json:"task_id"`
}

func (e event) MessageKey() string { return e.TaskID }

func TestPublisherMarshalsAndTagsMessages(t *testing.T) {
	t.Parallel()

	topics := &fakeTopics{}
	p := newWithTopics(topics, "contacts")

	id, err := p.Publish(context.Background(), "", event{TaskID: "biz-9"})
	require.NoError(t, err)
	require.Equal(t, "server-id-1", id)
	require.Len(t, topics.sent, 1)
	require.Equal(t, "contacts", topics.sent[0].topic)
	require.Equal(t, "biz-9", topics.sent[0].msg.Attributes["key"])

	var got event
	require.NoError(t, json.Unmarshal(topics.sent[0].msg.Data, &got))
	require.Equal(t, "biz-9", got.TaskID)

	require.NoError(t, p.Close())
	require.True(t, topics.stopped)
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := newWithTopics(&fakeTopics{}, "").Publish(context.Background(), "", event{})
	require.Error(t, err)

	_, err = newWithTopics(&fakeTopics{err: errors.New("unavailable")}, "contacts").Publish(context.Background(), "", event{})
	require.ErrorContains(t, err, "unavailable")

	_, err = newWithTopics(&fakeTopics{}, "contacts").Publish(context.Background(), "", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	_, err = New(nil, "contacts")
	require.Error(t, err)
}
