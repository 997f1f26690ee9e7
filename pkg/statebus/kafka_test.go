package statebus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConsumer(KafkaConfig{Topic: "sync-commands", GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "sync-commands"})
	if err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaConsumerTrimsBrokerList(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "sync-commands",
		GroupID: "g1",
	})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if consumer == nil {
		t.Fatal("expected consumer")
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaConsumerCloseAndReadGuard(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}

	consumer := &KafkaConsumer{}
	if _, err := consumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for uninitialized reader")
	}
}

type fakeKafkaReader struct {
	msg      kafka.Message
	err      error
	readHits int
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.readHits++
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error {
	return nil
}

func TestKafkaConsumerReadMessageBranches(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{
			reader: &fakeKafkaReader{err: errors.New("read failed")},
		}
		if _, err := consumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		consumer := &KafkaConsumer{
			reader: &fakeKafkaReader{msg: kafka.Message{Key: []byte("42"), Value: []byte(`{"application_id":42}`)}},
		}
		msg, err := consumer.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Key) != "42" || string(msg.Value) != `{"application_id":42}` {
			t.Fatalf("unexpected message: %+v", msg)
		}
	})
}

type fakeKafkaWriter struct {
	msgs     []kafka.Message
	writeErr error
	closed   bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "gateway-events"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	pub, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "gateway-events"})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherPublish(t *testing.T) {
	w := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: w}

	if err := pub.Publish(context.Background(), "SYNC_1_abcd1234", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "SYNC_1_abcd1234" {
		t.Fatalf("unexpected written messages: %+v", w.msgs)
	}

	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), "k", nil); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}

	pub = &KafkaPublisher{writer: &fakeKafkaWriter{writeErr: errors.New("broker down")}}
	if err := pub.Publish(context.Background(), "k", nil); err == nil {
		t.Fatal("expected writer error to surface")
	}
}
