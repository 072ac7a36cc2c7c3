// Package kafka holds the franz-go plumbing shared by the receipt publisher,
// the audit outbox relay and the audit consumer.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicSpec describes a topic created at startup.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// EnsureTopics creates missing topics. Existing topics are left untouched.
func EnsureTopics(ctx context.Context, brokers []string, topics ...TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer cl.Close()
	adm := kadm.NewClient(cl)

	for _, t := range topics {
		partitions := t.Partitions
		if partitions <= 0 {
			partitions = 1
		}
		replication := t.ReplicationFactor
		if replication <= 0 {
			replication = 1
		}
		resp, err := adm.CreateTopics(ctx, partitions, replication, nil, t.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
		}
	}
	return nil
}
