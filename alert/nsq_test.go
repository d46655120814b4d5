package alert

import (
	"context"
	"errors"
	"io/ioutil"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/nsqwatch/broker"
	"github.com/nsqio/go-nsq"
)

// Tests that alerts are published into the configured NSQ topic.
func TestNSQNotify(t *testing.T) {
	datadir, err := ioutil.TempDir("", "")
	if err != nil {
		t.Fatalf("Failed to create temporary datadir: %v", err)
	}
	defer os.RemoveAll(datadir)

	sandbox, err := broker.New(&broker.Config{
		Datadir: datadir,
		Logger:  log.New("host", "sandbox"),
	})
	if err != nil {
		t.Fatalf("Failed to start sandbox cluster: %v", err)
	}
	defer sandbox.Close()

	client := broker.NewClient(log.New("host", "client"))

	sub, err := client.NewConsumer("drift", "ops")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}
	defer sub.Stop()

	mailbox := make(chan string, 1)
	sub.AddHandler(nsq.HandlerFunc(func(message *nsq.Message) error {
		mailbox <- string(message.Body)
		return nil
	}))
	if err := sub.ConnectToNSQD(sandbox.TCPAddress()); err != nil {
		t.Fatalf("Failed to connect consumer: %v", err)
	}
	producer, err := client.NewProducer(sandbox.TCPAddress(), time.Second)
	if err != nil {
		t.Fatalf("Failed to create producer: %v", err)
	}
	sink := NewNSQ(producer, "drift")
	defer sink.Close()

	if err := sink.Notify(context.Background(), "orders: channel 'shipped' missing"); err != nil {
		t.Fatalf("Failed to notify: %v", err)
	}
	select {
	case message := <-mailbox:
		if message != "orders: channel 'shipped' missing" {
			t.Errorf("Message mismatch: have %q, want %q", message, "orders: channel 'shipped' missing")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Alert not consumed")
	}
	// A cancelled context must fail without publishing
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var derr *DeliveryError
	if err := sink.Notify(ctx, "late"); !errors.As(err, &derr) || derr.Sink != "nsq" {
		t.Fatalf("Cancelled delivery mismatch: have %v", err)
	}
}

// Tests that a daemon accepting connections but never answering cannot hold an
// alert delivery past its context deadline.
func TestNSQNotifyStalled(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start stalled listener: %v", err)
	}
	var (
		lock  sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			lock.Lock()
			conns = append(conns, conn)
			lock.Unlock()
		}
	}()
	producer, err := broker.NewClient(log.New("host", "client")).NewProducer(listener.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Failed to create producer: %v", err)
	}
	sink := NewNSQ(producer, "drift")
	defer sink.Close()

	// Release the stalled handshake before the producer is stopped
	defer func() {
		listener.Close()

		lock.Lock()
		defer lock.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = sink.Notify(ctx, "orders: channel 'shipped' missing")

	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Sink != "nsq" {
		t.Fatalf("Stalled delivery mismatch: have %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stalled delivery cause mismatch: have %v, want %v", err, context.DeadlineExceeded)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stalled delivery took too long: %v", elapsed)
	}
}
