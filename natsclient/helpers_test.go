package natsclient

import "github.com/nats-io/nats.go/jetstream"

func kvConfig(bucket string) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{Bucket: bucket}
}
